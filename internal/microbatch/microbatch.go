// Package microbatch coalesces a shuffle-store writer's many small Append
// calls into fewer underlying IPC writes (spec.md §4.2's "single-writer
// append coalescer"), reducing small-batch overhead without changing the
// observable append order a reader sees.
//
// Adapted from the teacher's microbatch/microbatch.go: the generic
// Batcher/Job naming is narrowed to this package's one call site (the
// shuffle store's writer, internal/shuffle), and MaxConcurrency is pinned
// to 1 rather than left configurable — a shuffle channel has exactly one
// writer, and running more than one BatchProcessor invocation concurrently
// would let batches complete out of append order, violating spec.md's
// "batches are delivered to each reader in append order" (§4.2).
package microbatch

import (
	"context"
	"errors"
	"sync"
	"time"
)

type (
	// CoalescerConfig configures a Coalescer. The zero value uses the
	// documented defaults.
	CoalescerConfig struct {
		// MaxSize caps the number of appends flushed together, if positive.
		// Defaults to 16.
		MaxSize int

		// FlushInterval bounds how long an incomplete group waits before it is
		// flushed anyway, if positive. Defaults to 50ms. If MaxSize is set,
		// time-based flushing can be disabled by setting this <= 0.
		FlushInterval time.Duration
	}

	// FlushFunc writes one coalesced group of appends. Any error it returns
	// propagates to every AppendResult in the group via Wait.
	FlushFunc[T any] func(ctx context.Context, appends []T) error

	// Coalescer accepts individual appends and flushes them in small groups,
	// always through a single in-flight FlushFunc call at a time (preserving
	// append order end to end).
	Coalescer[T any] struct {
		processor     FlushFunc[T]
		maxSize       int
		flushInterval time.Duration
		ctx           context.Context
		cancel        context.CancelFunc
		done          chan struct{}
		stopped       chan struct{}
		stopOnce      sync.Once
		jobCh         chan T
		batchCh       chan *group[T]
		state         *group[T]
	}

	// group is one pending (or completed) flush.
	group[T any] struct {
		err  error
		done chan struct{}
		jobs []T
	}

	// AppendResult represents one scheduled append; Wait blocks until the
	// group containing it has been flushed.
	AppendResult[T any] struct {
		Value T
		batch *group[T]
	}
)

// NewCoalescer starts a Coalescer flushing groups through processor. config
// may be nil. Call Close or Shutdown when done.
func NewCoalescer[T any](config *CoalescerConfig, processor FlushFunc[T]) *Coalescer[T] {
	if processor == nil {
		panic(`microbatch: nil processor`)
	}

	c := Coalescer[T]{
		processor:     processor,
		maxSize:       16,
		flushInterval: 50 * time.Millisecond,
		state:         newGroup[T](),
		done:          make(chan struct{}),
		stopped:       make(chan struct{}),
		jobCh:         make(chan T),
		batchCh:       make(chan *group[T]),
	}

	if config != nil {
		if config.MaxSize != 0 {
			c.maxSize = config.MaxSize
		}
		if config.FlushInterval != 0 {
			c.flushInterval = config.FlushInterval
		}
	}

	if c.flushInterval <= 0 && c.maxSize <= 0 {
		panic(`microbatch: one of MaxSize or FlushInterval must be specified`)
	}

	c.ctx, c.cancel = context.WithCancel(context.Background())

	go c.run()

	return &c
}

// Shutdown prevents further appends, then waits for already-scheduled groups
// to flush. Returns an error (and forces Close) if ctx is canceled first.
func (x *Coalescer[T]) Shutdown(ctx context.Context) (err error) {
	x.stop()

	select {
	case <-ctx.Done():
		if x.ctx.Err() == nil {
			err = ctx.Err()
		}
		x.cancel()
		<-x.done
	case <-x.done:
	}

	return err
}

// Close immediately cancels all pending work and blocks until stopped.
func (x *Coalescer[T]) Close() error {
	x.cancel()
	<-x.done
	return nil
}

// Append schedules value for the next flush group.
func (x *Coalescer[T]) Append(ctx context.Context, value T) (*AppendResult[T], error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := x.ctx.Err(); err != nil {
		return nil, err
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()

	case <-x.ctx.Done():
		return nil, x.ctx.Err()

	case <-x.stopped:
		return nil, context.Canceled

	case x.jobCh <- value: // ping
		batch := <-x.batchCh // pong
		return &AppendResult[T]{Value: value, batch: batch}, nil
	}
}

func (x *Coalescer[T]) stop() {
	x.stopOnce.Do(func() {
		close(x.stopped)
	})
}

func (x *Coalescer[T]) run() {
	defer close(x.done)
	defer x.cancel()

	var wg sync.WaitGroup
	wg.Add(1)

	runningCh := make(chan struct{}, 1) // MaxConcurrency pinned to 1

	runGroup := func() {
		if len(x.state.jobs) == 0 {
			return
		}

		batch := x.state
		x.state = newGroup[T]()

		wg.Add(1)
		runningCh <- struct{}{}
		go func() {
			defer func() {
				<-runningCh
				wg.Done()
			}()
			_ = batch.run(x.ctx, x.processor)
		}()
	}

	var wait func()
	wait = func() {
		wait = nil
		runGroup()
		wg.Done()
		wg.Wait()
	}

	defer func() {
		x.cancel()
		if wait != nil {
			wait()
		}
	}()

	flushCh := make(chan *group[T])

	for {
		select {
		case <-x.ctx.Done():
			return

		case <-x.stopped:
			wait()
			return

		case job := <-x.jobCh: // ping
			x.batchCh <- x.state // pong

			x.state.jobs = append(x.state.jobs, job)

			if x.maxSize > 0 && len(x.state.jobs) >= x.maxSize {
				runGroup()
			} else if x.flushInterval > 0 && len(x.state.jobs) == 1 {
				batch := x.state
				timer := time.NewTimer(x.flushInterval)
				go func() {
					defer timer.Stop()
					select {
					case <-x.ctx.Done():
					case <-x.stopped:
					case <-batch.done:
					case <-timer.C:
						select {
						case <-x.ctx.Done():
						case <-x.stopped:
						case <-batch.done:
						case flushCh <- batch:
						}
					}
				}()
			}

		case batch := <-flushCh:
			if batch == x.state {
				runGroup()
			}
		}
	}
}

func newGroup[T any]() *group[T] {
	return &group[T]{done: make(chan struct{})}
}

func (x *group[T]) run(ctx context.Context, processor FlushFunc[T]) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	x.err = errors.New(`microbatch: panic in FlushFunc`)
	defer close(x.done)

	x.err = processor(ctx, x.jobs)

	return x.err
}

// Wait blocks until value's group has flushed, returning any flush error.
func (x *AppendResult[T]) Wait(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()

	case <-x.batch.done:
		return x.batch.err
	}
}
