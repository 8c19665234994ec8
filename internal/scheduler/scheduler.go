// Package scheduler implements the driver scheduler (C5): the sole source
// of truth for fleet and task state, receiving job submissions from the
// request dispatcher, producing result streams, and driving every task from
// Created through a terminal state across however many workers the fleet
// manager provisions, per spec.md §4.5.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/joeycumines/go-qexec/internal/actor"
	"github.com/joeycumines/go-qexec/internal/fleet"
	"github.com/joeycumines/go-qexec/internal/idgen"
	"github.com/joeycumines/go-qexec/internal/logging"
	"github.com/joeycumines/go-qexec/internal/rpcapi"
	"github.com/joeycumines/go-qexec/internal/stage"
	"github.com/joeycumines/go-qexec/internal/transport"
)

// rpcTimeout bounds every driver→worker control call this package issues
// (run_task, stop_task, remove_stream) — none of spec.md's contracts for
// these describe an unbounded wait, and a hung worker must not stall the
// scheduler's dispatch goroutines indefinitely.
const rpcTimeout = 30 * time.Second

// WorkerState mirrors spec.md §3's Worker state machine:
// Pending → Running{...} → Stopped | Failed.
type WorkerState int

const (
	WorkerPending WorkerState = iota
	WorkerRunning
	WorkerStopped
	WorkerFailed
)

func (s WorkerState) String() string {
	switch s {
	case WorkerPending:
		return "pending"
	case WorkerRunning:
		return "running"
	case WorkerStopped:
		return "stopped"
	case WorkerFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Worker is the driver's view of one provisioned worker process, per
// spec.md §3: "Running{host,port, tasks, jobs, last_heartbeat,
// last_update}". Address carries host:port (or an in-process dial key for
// local execution mode) rather than separate host/port fields, matching
// rpcapi.RegisterWorkerRequest's single Address field.
type Worker struct {
	ID            uint64
	State         WorkerState
	Address       string
	TaskSlots     int
	OccupiedSlots int
	Tasks         map[uint64]struct{}
	LastHeartbeat time.Time
	LastUpdate    time.Time
	Message       string
}

// TaskState mirrors spec.md §3's Task state machine:
// Created → Pending → Scheduled(worker) → Running(worker) → Succeeded(worker) | Failed(worker),
// plus Canceled for spec.md §4.5's "Cancel job".
type TaskState int

const (
	TaskCreated TaskState = iota
	TaskPending
	TaskScheduled
	TaskRunning
	TaskSucceeded
	TaskFailed
	TaskCanceled
)

func (s TaskState) String() string {
	switch s {
	case TaskCreated:
		return "created"
	case TaskPending:
		return "pending"
	case TaskScheduled:
		return "scheduled"
	case TaskRunning:
		return "running"
	case TaskSucceeded:
		return "succeeded"
	case TaskFailed:
		return "failed"
	case TaskCanceled:
		return "canceled"
	default:
		return "unknown"
	}
}

// Terminal reports whether s is one of job completion's terminal states.
func (s TaskState) Terminal() bool {
	switch s {
	case TaskSucceeded, TaskFailed, TaskCanceled:
		return true
	default:
		return false
	}
}

// TaskMode mirrors spec.md §3's Task attribute of the same name. This core's
// worker runtime only ever streams batches as they are produced — there is
// no separate buffer-then-deliver execution path — so every task this
// package creates is Pipelined; Blocking is carried for data-model fidelity
// and is not otherwise interpreted (see DESIGN.md).
type TaskMode int

const (
	TaskPipelined TaskMode = iota
	TaskBlocking
)

// Task is one partition of one stage, per spec.md §3. ResultChannel is set
// iff this is a final-stage task (invariant 4); ShuffleChannel is this
// package's own bookkeeping for a non-final task's shuffle output location
// (spec.md §3's separate "Shuffle output location" concept), used to build
// downstream tasks' rpcapi.ShuffleInputRef entries.
type Task struct {
	ID             uint64
	JobID          uint64
	StageOrdinal   int
	Partition      int
	Attempt        int
	Mode           TaskMode
	State          TaskState
	WorkerID       uint64
	ResultChannel  string
	ShuffleChannel string
	Message        string
	Cause          string
}

// JobState mirrors spec.md §3's Job terminal states, plus Running for the
// in-flight case spec.md leaves implicit.
type JobState int

const (
	JobRunning JobState = iota
	JobSucceeded
	JobFailed
	JobCanceled
)

// Job is a submitted query, per spec.md §3: an ordered list of Stages and
// the Tasks created for them. PlanBytes caches each stage's serialized plan
// fragment — encoded once at submission, since every task of a stage shares
// the identical fragment (only Task.Partition varies).
type Job struct {
	ID        uint64
	Stages    []*stage.Stage
	PlanBytes map[int][]byte
	Tasks     []uint64
	State     JobState
	Message   string
}

// JobOutputState mirrors spec.md §4.5's JobOutput::Pending/Streaming used in
// "Update task", plus Done/Failed for the terminal cases.
type JobOutputState int

const (
	OutputPending JobOutputState = iota
	OutputStreaming
	OutputDone
	OutputFailed
)

// JobOutput is the job_outputs map's value type, per spec.md §4.5's state
// recap.
type JobOutput struct {
	State JobOutputState
	Sink  ResultSink
}

// ResultSink receives a job's final-stage output once it begins streaming,
// per spec.md §4.5's "Update task": "fetching the result channel from the
// producing worker (via C1) and delivering the resulting stream on the
// job's result_sink." Implemented by the request dispatcher (C8); declared
// here because the scheduler is what constructs and drives it.
type ResultSink interface {
	// Deliver hands the sink a freshly-opened result stream. The sink owns
	// reader's lifecycle from this point (draining it, and Close()-ing it
	// once done or abandoned). Called at most once per job, from a
	// goroutine outside the scheduler's actor loop.
	Deliver(reader *transport.Puller)
	// Fail aborts the sink: the job failed or was canceled before (or
	// while) its result was streaming.
	Fail(cause error)
}

// ControlDialer resolves a worker's control-plane address to the client the
// scheduler sends run_task/stop_task/remove_stream through. Implementations
// back real network dispatch (cmd/driver) or in-process dispatch
// (internal/rpc.NewLocalChannel) identically to internal/worker.Dialer's
// role on the worker side.
type ControlDialer interface {
	Dial(address string) (rpcapi.WorkerControlClient, error)
}

// TransportDialer resolves a worker's address to a client for pulling its
// shuffle store's channels. Structurally identical to internal/worker's own
// Dialer interface (same method shape), so a single concrete dialer value
// can satisfy both without an adapter.
type TransportDialer interface {
	Dial(ctx context.Context, address string) (rpcapi.TransportClient, error)
}

// Config carries the cluster-tuning knobs spec.md §4.5 references by name:
// worker_loss_threshold, worker_idle_threshold, and the retry policy's
// attempt cap (config.Config's Cluster/Retry groups, per spec.md §6).
type Config struct {
	LossThreshold     time.Duration
	IdleThreshold     time.Duration
	MaxAttempts       int
	ResultBufferDepth int
}

type taskSequence struct {
	attempt  int
	sequence uint64
}

// Scheduler is the C5 driver scheduler: an actor owning spec.md §4.5's five
// state maps (workers, jobs, tasks, task_queue, task_sequences) plus
// job_outputs, the sixth.
type Scheduler struct {
	actor         *actor.Actor
	fleet         fleet.Provider
	controlDial   ControlDialer
	transportDial TransportDialer
	cfg           Config
	log           *logging.Logger

	workers map[uint64]*Worker
	jobs    map[uint64]*Job
	tasks   map[uint64]*Task
	queue   *taskQueue
	taskSeq map[uint64]taskSequence
	outputs map[uint64]*JobOutput

	ids      idgen.Set
	rrCursor int
}

// New constructs a Scheduler. fleetProvider, controlDial, and
// transportDial are the scheduler's three outbound collaborators — the
// worker fleet manager (C6), the worker control plane, and the worker
// stream transport (C1) — supplied by cmd/driver so this package stays
// agnostic to local-vs-cluster execution mode.
func New(fleetProvider fleet.Provider, controlDial ControlDialer, transportDial TransportDialer, cfg Config, log *logging.Logger) (*Scheduler, error) {
	a, err := actor.New("scheduler", "", log)
	if err != nil {
		return nil, fmt.Errorf("scheduler: new: %w", err)
	}
	return &Scheduler{
		actor:         a,
		fleet:         fleetProvider,
		controlDial:   controlDial,
		transportDial: transportDial,
		cfg:           cfg,
		log:           logging.With(log, "scheduler", ""),
		workers:       make(map[uint64]*Worker),
		jobs:          make(map[uint64]*Job),
		tasks:         make(map[uint64]*Task),
		queue:         newTaskQueue(),
		taskSeq:       make(map[uint64]taskSequence),
		outputs:       make(map[uint64]*JobOutput),
	}, nil
}

// Run drives the scheduler's actor loop until ctx is canceled.
func (s *Scheduler) Run(ctx context.Context) error { return s.actor.Run(ctx) }

// Shutdown drains the actor loop. It does not itself cancel outstanding
// jobs — callers that need that should CancelJob each one first.
func (s *Scheduler) Shutdown(ctx context.Context) error { return s.actor.Shutdown(ctx) }
