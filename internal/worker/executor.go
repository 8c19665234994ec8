package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/joeycumines/go-qexec/internal/batch"
	"github.com/joeycumines/go-qexec/internal/errs"
	"github.com/joeycumines/go-qexec/internal/plan"
	"github.com/joeycumines/go-qexec/internal/rpcapi"
	"github.com/joeycumines/go-qexec/internal/shuffle"
	"github.com/joeycumines/go-qexec/internal/transport"
)

// pipelineChanDepth bounds each in-process edge of an executed task's
// operator pipeline — the portion of spec.md §5's bounded-queue
// backpressure discipline that does not already fall out of the shuffle
// store or transport.Puller's own buffering.
const pipelineChanDepth = 8

// Dialer resolves a worker address to a client for that worker's stream
// transport. internal/worker takes this as an interface rather than a
// concrete grpc.ClientConnInterface constructor so the same executor code
// serves both real network dispatch (see cmd/worker) and the in-process
// execution mode's inprocgrpc.Channel (internal/rpc.NewLocalChannel).
type Dialer interface {
	Dial(ctx context.Context, address string) (rpcapi.TransportClient, error)
}

// execution runs one task's operator tree to completion.
type execution struct {
	dialer   Dialer
	registry *Registry
	store    *shuffle.Store

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	pullers []*transport.Puller

	errOnce sync.Once
	err     error
}

func newExecution(parent context.Context, dialer Dialer, registry *Registry, store *shuffle.Store) *execution {
	ctx, cancel := context.WithCancel(parent)
	return &execution{dialer: dialer, registry: registry, store: store, ctx: ctx, cancel: cancel}
}

// fail records cause as the execution's terminal error (first one wins) and
// tears the rest of the pipeline down by canceling its context.
func (e *execution) fail(cause error) {
	e.errOnce.Do(func() {
		e.err = cause
		e.cancel()
	})
}

func (e *execution) trackPuller(p *transport.Puller) {
	e.mu.Lock()
	e.pullers = append(e.pullers, p)
	e.mu.Unlock()
}

// cancelTask stops the execution early, per spec.md §4.3's stop_task —
// observed within bounded batch-boundary latency, since every select in the
// pipeline below watches e.ctx.Done() alongside its channel operand.
func (e *execution) cancelTask() {
	e.fail(context.Canceled)
}

// close releases every network puller this execution opened. Safe to call
// after run returns, whether it returned an error or not.
func (e *execution) close() {
	e.mu.Lock()
	pullers := e.pullers
	e.mu.Unlock()
	for _, p := range pullers {
		p.Close()
	}
}

// run executes root for partition, writing its output to outputChannel in
// the worker's shuffle store, and pulling any plan.ShuffleRead leaves' data
// from inputs. It blocks until the task finishes, fails, or is canceled.
func (e *execution) run(root plan.Node, partition int, outputChannel string, consumption shuffle.Consumption, inputs []rpcapi.ShuffleInputRef) error {
	out, err := e.build(root, partition, inputs)
	if err != nil {
		return err
	}

	writer, err := e.store.Open(outputChannel, root.Schema(), consumption)
	if err != nil {
		return fmt.Errorf("worker: open output channel %q: %w", outputChannel, err)
	}

	for {
		select {
		case <-e.ctx.Done():
			cause := e.err
			if cause == nil {
				cause = e.ctx.Err()
			}
			writer.CloseWithError(cause)
			return cause
		case rec, ok := <-out:
			if !ok {
				if e.err != nil {
					writer.CloseWithError(e.err)
					return e.err
				}
				return writer.Close()
			}
			if werr := writer.Append(e.ctx, rec); werr != nil {
				batch.Release(rec)
				writer.CloseWithError(werr)
				return werr
			}
			batch.Release(rec)
		}
	}
}

// build recursively wires n's operator tree into a channel pipeline,
// returning the channel its root operator writes to.
func (e *execution) build(n plan.Node, partition int, inputs []rpcapi.ShuffleInputRef) (<-chan batch.Batch, error) {
	if read, ok := n.(*plan.ShuffleRead); ok {
		return e.buildShuffleRead(read, inputs)
	}

	children := n.Children()
	var in <-chan batch.Batch
	switch len(children) {
	case 0:
		// leaf source, e.g. Scan: no input channel to wire.
	case 1:
		childOut, err := e.build(children[0], partition, inputs)
		if err != nil {
			return nil, err
		}
		in = childOut
	default:
		return nil, fmt.Errorf("worker: node kind %d: operators with more than one child are not supported", n.Kind())
	}

	op, err := e.registry.Lookup(n.Kind())
	if err != nil {
		return nil, err
	}

	out := make(chan batch.Batch, pipelineChanDepth)
	go func() {
		defer close(out)
		if opErr := op(e.ctx, in, out); opErr != nil && !errors.Is(opErr, context.Canceled) {
			e.fail(opErr)
		}
	}()
	return out, nil
}

// buildShuffleRead fans the (possibly many) producer partitions feeding
// read's stage into one merged channel — plan.ShuffleRead's StageID
// identifies the producing stage; it is inputs, supplied per task by the
// scheduler, that resolves it to concrete worker addresses and channel
// names.
func (e *execution) buildShuffleRead(read *plan.ShuffleRead, inputs []rpcapi.ShuffleInputRef) (<-chan batch.Batch, error) {
	var refs []rpcapi.ShuffleInputRef
	for _, ref := range inputs {
		if ref.StageID == read.StageID {
			refs = append(refs, ref)
		}
	}
	if len(refs) == 0 {
		return nil, fmt.Errorf("worker: shuffle read stage %d: %w: no input refs provided", read.StageID, errs.InvalidArgument)
	}

	out := make(chan batch.Batch, pipelineChanDepth)
	var wg sync.WaitGroup
	for _, ref := range refs {
		ref := ref
		wg.Add(1)
		go func() {
			defer wg.Done()
			e.pullOne(ref, out)
		}()
	}
	go func() {
		wg.Wait()
		close(out)
	}()
	return out, nil
}

func (e *execution) pullOne(ref rpcapi.ShuffleInputRef, out chan<- batch.Batch) {
	client, err := e.dialer.Dial(e.ctx, ref.WorkerAddress)
	if err != nil {
		e.fail(fmt.Errorf("worker: dial %q: %w: %v", ref.WorkerAddress, errs.UpstreamLost, err))
		return
	}

	puller, err := transport.Fetch(e.ctx, client, ref.Channel, pipelineChanDepth)
	if err != nil {
		e.fail(fmt.Errorf("%w: fetch %q from %q: %v", errs.UpstreamLost, ref.Channel, ref.WorkerAddress, err))
		return
	}
	e.trackPuller(puller)

	for {
		rec, err := puller.Next(e.ctx)
		if err != nil {
			if !errors.Is(err, context.Canceled) {
				e.fail(fmt.Errorf("%w: %v", errs.UpstreamLost, err))
			}
			return
		}
		if rec == nil {
			return // clean end-of-stream for this producer partition
		}
		select {
		case out <- rec:
		case <-e.ctx.Done():
			batch.Release(rec)
			return
		}
	}
}
