// Package worker implements the worker runtime (C3): the per-worker task
// pool, the control endpoint receiving run_task/stop_task/remove_stream/
// stop_worker directives, status reporting with a monotonic sequence
// counter, heartbeat, and cancellation, per spec.md §4.3.
package worker

import (
	"context"
	"fmt"

	"github.com/joeycumines/go-qexec/internal/batch"
	"github.com/joeycumines/go-qexec/internal/plan"
)

// Operator executes one physical-plan node over its already-running
// children, reading from in (nil for a source with no upstream pipe — Scan)
// and writing to out. It must stop promptly once ctx is canceled.
//
// Per spec.md §4.3 ("The worker deserializes the plan fragment against its
// session-scoped extension registry"), operator semantics are not built
// into the worker runtime — they are registered per NodeKind, the same way
// a Spark-like engine's actual expression/predicate evaluation is an
// extension point, not a core-engine concern. internal/worker ships a
// minimal DefaultRegistry sufficient to exercise the pipeline wiring and
// tests; a real deployment supplies its own operator implementations for
// Filter/Project/Aggregate expression evaluation.
type Operator func(ctx context.Context, in <-chan batch.Batch, out chan<- batch.Batch) error

// Registry maps a plan node kind to the Operator that executes it. Operators
// for the kinds that have a single upstream (Filter, Project, Aggregate,
// CoalesceToOne, ShuffleWrite) get a single `in` channel; Scan is the only
// registered operator expected to ignore `in`. ShuffleRead leaves are wired
// by the executor itself and are never looked up here.
type Registry struct {
	operators map[plan.NodeKind]Operator
}

// NewRegistry builds an empty Registry; use Register to populate it.
func NewRegistry() *Registry {
	return &Registry{operators: make(map[plan.NodeKind]Operator)}
}

// Register installs fn as the Operator for kind, overwriting any previous
// registration — session-scoped extension registries are rebuilt per
// session, not mutated concurrently while tasks are executing.
func (r *Registry) Register(kind plan.NodeKind, fn Operator) {
	r.operators[kind] = fn
}

// Lookup returns the Operator registered for kind, or an error if none was.
func (r *Registry) Lookup(kind plan.NodeKind) (Operator, error) {
	fn, ok := r.operators[kind]
	if !ok {
		return nil, fmt.Errorf("worker: no operator registered for node kind %d", kind)
	}
	return fn, nil
}

// DefaultRegistry returns a Registry with pass-through semantics for
// Filter/Project/Aggregate (copy input to output unchanged) and an
// immediately-empty Scan — enough to exercise run_task's control flow,
// shuffle wiring, and cancellation without committing this package to any
// particular expression language. Replace entries via Register for real
// predicate/projection/aggregation evaluation.
func DefaultRegistry() *Registry {
	r := NewRegistry()

	r.Register(plan.KindScan, func(ctx context.Context, _ <-chan batch.Batch, out chan<- batch.Batch) error {
		return nil // no external source connector ships in this core
	})

	passThrough := func(ctx context.Context, in <-chan batch.Batch, out chan<- batch.Batch) error {
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case rec, ok := <-in:
				if !ok {
					return nil
				}
				select {
				case <-ctx.Done():
					batch.Release(rec)
					return ctx.Err()
				case out <- rec:
				}
			}
		}
	}
	r.Register(plan.KindFilter, passThrough)
	r.Register(plan.KindProject, passThrough)
	r.Register(plan.KindAggregate, passThrough)
	r.Register(plan.KindCoalesceToOne, passThrough)
	r.Register(plan.KindShuffleWrite, passThrough)

	return r
}
