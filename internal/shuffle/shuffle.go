// Package shuffle implements the per-worker shuffle store (C2): a map from
// channel name to an append-only batch log, guaranteeing single-writer and
// either single- or many-concurrent-reader semantics per spec.md §4.2.
//
// There is no teacher domain analogue for a partitioned batch log, so the
// concurrency shape is built directly from spec.md §5's "bounded FIFO
// queues with blocking-on-full producer semantics" instruction, using the
// teacher's general condition-variable-free idiom of modeling a blocking
// queue as a buffered channel plus a close-to-signal-EOF convention (the
// same shape internal/microbatch's ping-pong channels and
// internal/longpoll's bounded receive loop both already use).
package shuffle

import (
	"context"
	"fmt"
	"sync"

	"github.com/apache/arrow-go/v18/arrow"

	"github.com/joeycumines/go-qexec/internal/batch"
	"github.com/joeycumines/go-qexec/internal/errs"
	"github.com/joeycumines/go-qexec/internal/microbatch"
)

// Consumption mirrors plan/stage.ConsumptionMode without importing it,
// keeping the shuffle store usable independent of the planner package.
type Consumption int

const (
	SingleConsumer Consumption = iota
	MultiConsumer
)

// item is one delivered batch, or a terminal signal (err == io.EOF-like nil
// on clean close, or a real error on release/producer failure).
type item struct {
	rec batch.Batch
	err error
}

// channelLog is one append-only batch log plus its subscriber fan-out.
type channelLog struct {
	schema      *arrow.Schema
	consumption Consumption

	mu        sync.Mutex
	closed    bool
	released  bool
	closeErr  error
	readers   []chan item
	appended  []batch.Batch // retained backlog for readers that subscribe late

	coalescer *microbatch.Coalescer[batch.Batch]
}

// Writer is the handle returned by Open; the owning task is the sole caller.
type Writer struct {
	store   *Store
	channel string
	log     *channelLog
}

// Reader is the handle returned by Subscribe.
type Reader struct {
	ch      chan item
	log     *channelLog
	channel string
	store   *Store
	once    sync.Once
}

// Store is one worker's shuffle store.
type Store struct {
	mu       sync.Mutex
	channels map[string]*channelLog
}

// New constructs an empty Store.
func New() *Store {
	return &Store{channels: make(map[string]*channelLog)}
}

// Open creates channel's log, per spec.md §4.2's open(channel, schema,
// consumption). Fails with errs.InvalidArgument if the channel exists.
func (s *Store) Open(channel string, schema *arrow.Schema, consumption Consumption) (*Writer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.channels[channel]; ok {
		return nil, fmt.Errorf("shuffle: open %q: %w: channel already exists", channel, errs.InvalidArgument)
	}

	log := &channelLog{schema: schema, consumption: consumption}
	log.coalescer = microbatch.NewCoalescer(&microbatch.CoalescerConfig{MaxSize: 32}, func(ctx context.Context, appends []batch.Batch) error {
		log.deliver(appends)
		return nil
	})

	s.channels[channel] = log

	return &Writer{store: s, channel: channel, log: log}, nil
}

// Append hands one batch to the log's append-coalescer, per spec.md §4.2's
// append(writer, batch): blocks while downstream backpressure (the
// coalescer's own bounded pipeline) is engaged.
func (w *Writer) Append(ctx context.Context, rec batch.Batch) error {
	batch.Retain(rec)
	res, err := w.log.coalescer.Append(ctx, rec)
	if err != nil {
		batch.Release(rec)
		return err
	}
	return res.Wait(ctx)
}

// Close marks end-of-stream: readers observing backpressure wake and see
// end, per spec.md §4.2's close(writer).
func (w *Writer) Close() error {
	if err := w.log.coalescer.Shutdown(context.Background()); err != nil {
		_ = w.log.coalescer.Close()
	}
	w.log.closeLog(nil)
	return nil
}

// CloseWithError marks the channel failed; subscribers observe err instead
// of a clean end-of-stream. Used when the producing task itself fails.
func (w *Writer) CloseWithError(err error) {
	_ = w.log.coalescer.Close()
	w.log.closeLog(err)
}

// Subscribe returns a reader handle for channel, per spec.md §4.2's
// subscribe(channel). Fails with errs.NotFound after release.
func (s *Store) Subscribe(channel string) (*Reader, error) {
	s.mu.Lock()
	log, ok := s.channels[channel]
	s.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("shuffle: subscribe %q: %w", channel, errs.NotFound)
	}
	return log.subscribe(s, channel)
}

// Release drops all state for channel; in-flight readers fail with
// errs.Canceled, per spec.md §4.2's release(channel). Idempotent: releasing
// an already-released (or never-subscribed) channel is a no-op, per
// spec.md §7's "double-application is explicitly defined as a no-op" for
// RemoveStream.
func (s *Store) Release(channel string) error {
	s.mu.Lock()
	log, ok := s.channels[channel]
	if ok {
		delete(s.channels, channel)
	}
	s.mu.Unlock()
	if !ok {
		return nil
	}
	log.closeLog(errs.Canceled)
	return nil
}

// Schema reports a channel's declared schema.
func (r *Reader) Schema() *arrow.Schema { return r.log.schema }

// Next blocks for the next batch, returning (nil, nil) once the channel has
// cleanly closed. A non-nil error is terminal (producer failure or release).
func (r *Reader) Next(ctx context.Context) (batch.Batch, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case it, ok := <-r.ch:
		if !ok {
			return nil, nil
		}
		return it.rec, it.err
	}
}

// Release detaches this reader. For a single-consumer channel this is the
// store's automatic-eviction trigger (spec.md §4.2's eviction policy); for a
// multi-consumer channel the channel itself stays open until the driver
// issues an explicit release (see internal/scheduler).
func (r *Reader) Release() {
	r.once.Do(func() {
		r.log.removeReader(r.ch)
		if r.log.consumption == SingleConsumer {
			_ = r.store.Release(r.channel)
		}
	})
}

func (l *channelLog) subscribe(store *Store, channel string) (*Reader, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.released {
		return nil, fmt.Errorf("shuffle: subscribe %q: %w", channel, errs.NotFound)
	}

	// buffered deep enough to hold the existing backlog without the
	// publishing goroutine blocking on a slow/late subscriber; readers drain
	// it at their own pace afterward.
	ch := make(chan item, len(l.appended)+1)
	for _, rec := range l.appended {
		batch.Retain(rec)
		ch <- item{rec: rec}
	}
	if l.closed {
		close(ch)
	} else {
		l.readers = append(l.readers, ch)
	}

	return &Reader{ch: ch, log: l, channel: channel, store: store}, nil
}

func (l *channelLog) deliver(recs []batch.Batch) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.released {
		for _, rec := range recs {
			batch.Release(rec)
		}
		return
	}

	l.appended = append(l.appended, recs...)
	for _, rec := range recs {
		for _, ch := range l.readers {
			batch.Retain(rec)
			ch <- item{rec: rec}
		}
	}
	for _, rec := range recs {
		batch.Release(rec) // release the append-path's own reference
	}
}

func (l *channelLog) closeLog(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed || l.released {
		return
	}
	l.closed = true
	l.closeErr = err
	if err != nil {
		l.released = true
	}
	for _, ch := range l.readers {
		if err != nil {
			ch <- item{err: err}
		}
		close(ch)
	}
	l.readers = nil
}

func (l *channelLog) removeReader(target chan item) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i, ch := range l.readers {
		if ch == target {
			l.readers = append(l.readers[:i], l.readers[i+1:]...)
			return
		}
	}
}
