package dispatch

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"github.com/joeycumines/go-qexec/internal/batch"
	"github.com/joeycumines/go-qexec/internal/logging"
	"github.com/joeycumines/go-qexec/internal/longpoll"
	"github.com/joeycumines/go-qexec/internal/rpcapi"
	"github.com/joeycumines/go-qexec/internal/transport"
)

// operationSink implements scheduler.ResultSink, translating a job's final
// result stream into ExecutePlanResponse values appended to one operation's
// buffer, per spec.md §4.8's "stream result batches + status notifications."
type operationSink struct {
	op    *operation
	log   *logging.Logger
	group longpoll.GroupConfig
}

func (s *operationSink) Deliver(reader *transport.Puller) {
	go s.pump(reader)
}

func (s *operationSink) Fail(cause error) {
	s.op.append(&rpcapi.ExecutePlanResponse{Kind: rpcapi.ResponseError, Message: cause.Error()})
}

// pulled mirrors one transport.Puller.Next result, carried over a channel so
// longpoll.Group can coalesce several ready batches into one pass.
type pulled struct {
	rec batch.Batch
	err error
}

// errGroupDone stops a longpoll.Group pass once the feed reaches a terminal
// item (an error, or clean end-of-stream) — distinguishing "stop, there is a
// terminal state to report" from io.EOF, which longpoll.Group already uses
// to mean "the channel itself closed".
var errGroupDone = errors.New("dispatch: result feed terminal")

// pump drains reader, coalescing batches that become ready close together in
// time into a single ExecutePlanResponse (per spec.md §9's reattach-buffer
// sizing: fewer, larger frames reduce per-response overhead without
// changing what a reattaching client sees, since each frame is still a
// self-contained IPC stream). Each coalesced frame remains independently
// decodable — required for reattach, since a client may resume from any
// buffered response_id without replaying earlier ones.
func (s *operationSink) pump(reader *transport.Puller) {
	defer reader.Close()
	ctx := context.Background()

	feed := make(chan pulled)
	go func() {
		defer close(feed)
		for {
			rec, err := reader.Next(ctx)
			feed <- pulled{rec: rec, err: err}
			if err != nil || rec == nil {
				return
			}
		}
	}()

	for {
		var (
			group      []batch.Batch
			terminal   error
			terminalOK bool
		)
		groupErr := longpoll.Group(ctx, &s.group, feed, func(item pulled) error {
			if item.err != nil {
				terminal, terminalOK = item.err, true
				return errGroupDone
			}
			if item.rec == nil {
				terminalOK = true
				return errGroupDone
			}
			group = append(group, item.rec)
			return nil
		})

		if len(group) > 0 {
			frame, rowCount, encErr := encodeFrames(group)
			for _, rec := range group {
				batch.Release(rec)
			}
			if encErr != nil {
				s.op.append(&rpcapi.ExecutePlanResponse{Kind: rpcapi.ResponseError, Message: encErr.Error()})
				return
			}
			s.op.append(&rpcapi.ExecutePlanResponse{
				Kind:     rpcapi.ResponseArrowBatch,
				RowCount: rowCount,
				Frame:    frame,
			})
		}

		if terminalOK {
			if terminal != nil {
				s.log.Err().Err(terminal).Str("operation", s.op.id).Log(`result stream read failed`)
				s.op.append(&rpcapi.ExecutePlanResponse{Kind: rpcapi.ResponseError, Message: terminal.Error()})
			} else {
				s.op.append(&rpcapi.ExecutePlanResponse{Kind: rpcapi.ResponseResultComplete})
			}
			return
		}
		if groupErr != nil {
			// pump runs on context.Background, so a non-terminal groupErr
			// can only be longpoll.Group's io.EOF for a closed feed; the
			// feed goroutine closes it only after sending a terminal item,
			// so there is nothing more to report here.
			return
		}
	}
}

// encodeFrames serializes recs as a single standalone Arrow IPC stream
// (schema message, then one message per record, then end-of-stream), so one
// coalesced group of batches becomes one independently decodable Frame.
func encodeFrames(recs []batch.Batch) (*rpcapi.Frame, int64, error) {
	var buf bytes.Buffer
	w := batch.NewWriter(&buf, recs[0].Schema())
	var rowCount int64
	for _, rec := range recs {
		if err := w.Write(rec); err != nil {
			return nil, 0, fmt.Errorf("dispatch: encode result frame: %w", err)
		}
		rowCount += rec.NumRows()
	}
	if err := w.Close(); err != nil {
		return nil, 0, fmt.Errorf("dispatch: close result frame writer: %w", err)
	}
	return &rpcapi.Frame{Data: buf.Bytes()}, rowCount, nil
}
