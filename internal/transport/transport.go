// Package transport implements the stream transport (C1): each worker hosts
// it as a gRPC service (internal/rpcapi.TransportServer) fronting the
// worker's internal/shuffle store, and the driver (or a downstream worker,
// for multi-hop shuffles) pulls from it as a client, per spec.md §4.1.
//
// Record batches are framed as Arrow IPC messages (internal/batch) directly
// on the gRPC stream body — see DESIGN.md for why this rides plain
// grpc.ServiceDesc streaming rather than arrow/flight.
package transport

import (
	"context"
	"fmt"
	"io"

	"github.com/joeycumines/go-qexec/internal/batch"
	"github.com/joeycumines/go-qexec/internal/errs"
	"github.com/joeycumines/go-qexec/internal/rpcapi"
	"github.com/joeycumines/go-qexec/internal/shuffle"
)

// Server adapts a worker's shuffle store to rpcapi.TransportServer.
type Server struct {
	store *shuffle.Store
}

// NewServer wraps store for serving over gRPC (real or in-process).
func NewServer(store *shuffle.Store) *Server {
	return &Server{store: store}
}

var _ rpcapi.TransportServer = (*Server)(nil)

// Fetch streams channel's batches as Arrow IPC frames, per spec.md §4.1.
func (s *Server) Fetch(req *rpcapi.FetchRequest, stream rpcapi.Transport_FetchServer) error {
	reader, err := s.store.Subscribe(req.Channel)
	if err != nil {
		return err
	}
	defer reader.Release()

	w := batch.NewWriter(&frameWriter{stream: stream}, reader.Schema())
	for {
		rec, err := reader.Next(stream.Context())
		if err != nil {
			return err
		}
		if rec == nil {
			return w.Close() // clean end-of-stream
		}
		werr := w.Write(rec)
		batch.Release(rec)
		if werr != nil {
			return werr
		}
	}
}

// Release forwards to the shuffle store's release, per spec.md §4.3's
// remove_stream → shuffle store release forwarding.
func (s *Server) Release(_ context.Context, req *rpcapi.ReleaseRequest) (*rpcapi.ReleaseResponse, error) {
	if err := s.store.Release(req.Channel); err != nil {
		return nil, err
	}
	return &rpcapi.ReleaseResponse{}, nil
}

// frameWriter adapts rpcapi's per-message Send to io.Writer. It makes no
// assumption about how ipc.Writer chunks its underlying writes — frameReader
// on the other end reassembles the byte stream regardless of how the Frame
// boundaries fall relative to individual IPC messages.
type frameWriter struct {
	stream rpcapi.Transport_FetchServer
}

func (f *frameWriter) Write(p []byte) (int, error) {
	cp := make([]byte, len(p))
	copy(cp, p)
	if err := f.stream.Send(&rpcapi.Frame{Data: cp}); err != nil {
		return 0, err
	}
	return len(p), nil
}

// Puller is the driver/consumer side: it pulls channel's batches from a
// worker and exposes them as a buffered Go channel, matching spec.md §4.1's
// flow-control requirement (bounded buffer, blocking-on-full producer).
//
// Adapted from the teacher's fangrpcstream.Stream pump idiom, narrowed from
// a bidirectional send/receive pump-plus-fan-out to a receive-only puller:
// Fetch is server-streaming, and each Puller has exactly one consumer, so
// there is no need for fangrpcstream's Notifier-based multi-subscriber
// fan-out.
type Puller struct {
	cancel context.CancelFunc
	out    chan pulled
	done   chan struct{}
}

type pulled struct {
	rec batch.Batch
	err error
}

// Fetch opens channel on client and starts the pump goroutine; bufferSize
// bounds the Puller's internal channel (the driver's result fetch passes
// reattach.buffer_capacity, §6).
func Fetch(ctx context.Context, client rpcapi.TransportClient, channel string, bufferSize int) (*Puller, error) {
	ctx, cancel := context.WithCancel(ctx)

	stream, err := client.Fetch(ctx, &rpcapi.FetchRequest{Channel: channel})
	if err != nil {
		cancel()
		return nil, fmt.Errorf("transport: fetch %q: %w", channel, err)
	}

	reader, err := batch.NewReader(&frameReader{stream: stream})
	if err != nil {
		cancel()
		return nil, fmt.Errorf("transport: fetch %q: open ipc reader: %w", channel, err)
	}

	p := &Puller{
		cancel: cancel,
		out:    make(chan pulled, bufferSize),
		done:   make(chan struct{}),
	}

	go p.pump(reader)

	return p, nil
}

func (p *Puller) pump(reader *batch.Reader) {
	defer close(p.done)
	defer reader.Release()
	for reader.Next() {
		rec := reader.Record()
		batch.Retain(rec)
		p.out <- pulled{rec: rec}
	}
	if err := reader.Err(); err != nil && err != io.EOF {
		p.out <- pulled{err: err}
	}
	close(p.out)
}

// Next blocks for the next batch, returning (nil, nil) at clean end-of-stream.
func (p *Puller) Next(ctx context.Context) (batch.Batch, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case v, ok := <-p.out:
		if !ok {
			return nil, nil
		}
		return v.rec, v.err
	}
}

// Close cancels the pull and releases resources. Idempotent.
func (p *Puller) Close() {
	p.cancel()
	for v := range p.out {
		if v.rec != nil {
			batch.Release(v.rec)
		}
	}
	<-p.done
}

// Release asks the worker to release channel, per spec.md §4.1/§4.2's
// release(channel) propagation once the consumer is done with it.
func Release(ctx context.Context, client rpcapi.TransportClient, channel string) error {
	_, err := client.Release(ctx, &rpcapi.ReleaseRequest{Channel: channel})
	return err
}

// frameReader adapts rpcapi's per-message Recv to io.Reader for
// batch.NewReader/ipc.Reader, which only ever issues full-message reads
// against it.
type frameReader struct {
	stream rpcapi.Transport_FetchClient
	buf    []byte
}

func (f *frameReader) Read(p []byte) (int, error) {
	for len(f.buf) == 0 {
		frame, err := f.stream.Recv()
		if err != nil {
			if err == io.EOF {
				return 0, io.EOF
			}
			return 0, fmt.Errorf("transport: recv frame: %w: %v", errs.UpstreamLost, err)
		}
		f.buf = frame.Data
	}
	n := copy(p, f.buf)
	f.buf = f.buf[n:]
	return n, nil
}
