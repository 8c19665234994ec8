// Package idgen allocates the opaque monotonically-assigned identifiers
// spec.md §3 requires for Worker, Job, Task, and Operation — one counter
// per kind, unique within the issuing component's lifetime. Session ids
// are excluded: they arrive client-supplied on the wire (see
// internal/dispatch's session.Key construction) rather than being
// allocated by any component here, so there is nothing for a Session
// counter to serve.
//
// This is a deliberately narrower cousin of the teacher's
// eventloop/registry.go id-counter idiom: that registry additionally
// performs weak-pointer promise scavenging, which has no analogue here
// (driver-owned maps are reclaimed explicitly by the scheduler/session core,
// never by GC), so only the counter-allocation half is carried over.
package idgen

import (
	"strconv"
	"sync/atomic"
)

// WorkerID, JobID, TaskID, OperationID are opaque ids, unique within the
// process that issued them.
type (
	WorkerID    uint64
	JobID       uint64
	TaskID      uint64
	OperationID string
)

func (id WorkerID) String() string { return strconv.FormatUint(uint64(id), 10) }
func (id JobID) String() string    { return strconv.FormatUint(uint64(id), 10) }
func (id TaskID) String() string   { return strconv.FormatUint(uint64(id), 10) }

// Generator allocates monotonically increasing ids of a single kind. The
// zero value is ready to use and starts at 1 (0 is reserved to mean "unset").
type Generator struct {
	next atomic.Uint64
}

// Next returns the next id in sequence, starting at 1.
func (g *Generator) Next() uint64 {
	return g.next.Add(1)
}

// Set of counters for every id kind a component needs. Embedding this in an
// actor's private state (never shared across goroutines) keeps allocation
// free of locking, matching the single-owner actor model in §5.
type Set struct {
	Worker    Generator
	Job       Generator
	Task      Generator
	Operation Generator
}

func (s *Set) NextWorker() WorkerID { return WorkerID(s.Worker.Next()) }
func (s *Set) NextJob() JobID       { return JobID(s.Job.Next()) }
func (s *Set) NextTask() TaskID     { return TaskID(s.Task.Next()) }
func (s *Set) NextOperation() OperationID {
	return OperationID("op-" + strconv.FormatUint(s.Operation.Next(), 10))
}
