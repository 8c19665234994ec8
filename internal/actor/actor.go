// Package actor is the single-goroutine actor runtime underlying the driver
// scheduler (C5), session core (C7), and each worker's control loop (C3),
// per spec.md §5: "a single-threaded event loop owning private state,
// receiving messages over a bounded queue, and responding via one-shot
// reply channels."
//
// It is a thin domain wrapper around github.com/joeycumines/go-eventloop's
// *eventloop.Loop: Loop.Submit is the bounded inbox (messages run on the
// loop's single goroutine, so an actor's private state never needs a
// mutex); Call below is the one-shot reply channel pattern; Loop.Promisify
// backs CallBlocking, for spawning a detached side task whose result
// re-enters the inbox as a message (§9 "model side tasks as spawned units
// of work whose results re-enter the inbox as messages").
package actor

import (
	"context"
	"fmt"
	"time"

	eventloop "github.com/joeycumines/go-eventloop"

	"github.com/joeycumines/go-qexec/internal/logging"
)

// Actor owns one eventloop.Loop and the private state closed over by the
// functions submitted to it. Construct one per session, per job-scheduler
// instance, or per worker control loop.
type Actor struct {
	loop *eventloop.Loop
	Log  *logging.Logger
}

// New constructs an Actor, logging under component/instance for every line
// it or its callers emit (spec.md §5's ambient logging convention).
func New(component, instance string, log *logging.Logger) (*Actor, error) {
	loop, err := eventloop.New()
	if err != nil {
		return nil, fmt.Errorf("actor: new loop: %w", err)
	}
	return &Actor{
		loop: loop,
		Log:  logging.With(log, component, instance),
	}, nil
}

// Run drives the actor's event loop until ctx is canceled or Shutdown completes.
func (a *Actor) Run(ctx context.Context) error {
	return a.loop.Run(ctx)
}

// Shutdown requests the loop drain in-flight work and stop.
func (a *Actor) Shutdown(ctx context.Context) error {
	return a.loop.Shutdown(ctx)
}

// Tell enqueues fn to run on the actor's loop goroutine without waiting for
// completion — fire-and-forget messaging between actors.
func (a *Actor) Tell(fn func()) error {
	if err := a.loop.Submit(eventloop.Task{Runnable: fn}); err != nil {
		return fmt.Errorf("actor: tell: %w", err)
	}
	return nil
}

// ScheduleTimer runs fn on the actor's loop goroutine after delay, used for
// the loss-probe/idle-probe/heartbeat timer chains in C5 and C7.
func (a *Actor) ScheduleTimer(delay time.Duration, fn func()) error {
	if err := a.loop.ScheduleTimer(delay, fn); err != nil {
		return fmt.Errorf("actor: schedule timer: %w", err)
	}
	return nil
}

// loopAdapter exposes a's underlying eventloop.Loop as the plain
// Submit(func()) error / SubmitInternal(func()) error shape
// go-inprocgrpc's Channel expects (internal/rpc.LocalChannel), without
// leaking eventloop.Task outside this package.
type loopAdapter struct{ loop *eventloop.Loop }

func (l loopAdapter) Submit(fn func()) error {
	return l.loop.Submit(eventloop.Task{Runnable: fn})
}

func (l loopAdapter) SubmitInternal(fn func()) error {
	return l.loop.SubmitInternal(eventloop.Task{Runnable: fn})
}

// AsSubmitter returns a's loop in the Submit(func())/SubmitInternal(func())
// shape go-inprocgrpc's Channel requires to drive in-process RPC dispatch on
// the same single goroutine as this actor's own messages.
func (a *Actor) AsSubmitter() interface {
	Submit(func()) error
	SubmitInternal(func()) error
} {
	return loopAdapter{loop: a.loop}
}

// Call runs fn on a's loop goroutine — the single owner of a's private
// state — and blocks the caller until it completes or ctx is done. This is
// the "bounded inbox, one-shot reply channel" request/response primitive
// every actor operation (get_or_create, submit job, update task, ...) is
// built from.
func Call[T any](ctx context.Context, a *Actor, fn func() (T, error)) (T, error) {
	type reply struct {
		val T
		err error
	}
	ch := make(chan reply, 1)
	if err := a.loop.Submit(eventloop.Task{Runnable: func() {
		v, err := fn()
		ch <- reply{val: v, err: err}
	}}); err != nil {
		var zero T
		return zero, fmt.Errorf("actor: call: submit: %w", err)
	}
	select {
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	case r := <-ch:
		return r.val, r.err
	}
}

// CallBlocking offloads fn to a dedicated goroutine (via Loop.Promisify),
// for work that must not occupy the single-threaded actor — a gRPC call to
// a worker, a blocking disk read. fn does not have safe access to actor
// state; use Call for that. Resolution is routed back through the loop
// (Promisify's single-owner-resolution guarantee), so side effects queued
// from within fn's continuation are still safely sequenced with the actor's
// other messages — but CallBlocking's own return to this caller happens
// off-loop, on whichever goroutine received the promise's channel value.
func CallBlocking[T any](ctx context.Context, a *Actor, fn func(ctx context.Context) (T, error)) (T, error) {
	p := a.loop.Promisify(ctx, func(ctx context.Context) (any, error) {
		return fn(ctx)
	})
	select {
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	case res := <-p.ToChannel():
		if p.State() == eventloop.Rejected {
			var zero T
			err, _ := res.(error)
			if err == nil {
				err = fmt.Errorf("actor: call blocking: rejected with non-error value: %v", res)
			}
			return zero, err
		}
		v, _ := res.(T)
		return v, nil
	}
}
