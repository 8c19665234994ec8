package dispatch

import (
	"context"
	"sync"

	"github.com/joeycumines/go-qexec/internal/rpcapi"
	"github.com/joeycumines/go-qexec/internal/session"
)

// operation is one in-flight (or buffered, reattachable) ExecutePlan
// submission, per spec.md §4.8's reattachability contract: responses are
// retained keyed by response_id in a bounded buffer, trimmed by
// ReleaseExecute or (for a non-reattachable operation) immediately once
// sent.
type operation struct {
	id           string
	key          session.Key
	reattachable bool
	tags         map[string]struct{}
	cancel       context.CancelFunc

	mu          sync.Mutex
	jobID       uint64
	hasJob      bool
	responses   []*rpcapi.ExecutePlanResponse
	nextSeq     uint64
	done        bool
	notify      chan struct{}
	bufferLimit int
}

func newOperation(id string, key session.Key, reattachable bool, tags []string, cancel context.CancelFunc, bufferLimit int) *operation {
	o := &operation{
		id:           id,
		key:          key,
		reattachable: reattachable,
		cancel:       cancel,
		notify:       make(chan struct{}),
		bufferLimit:  bufferLimit,
		nextSeq:      1,
	}
	if len(tags) > 0 {
		o.tags = make(map[string]struct{}, len(tags))
		for _, tag := range tags {
			o.tags[tag] = struct{}{}
		}
	}
	return o
}

func isTerminal(kind rpcapi.ResponseKind) bool {
	switch kind {
	case rpcapi.ResponseResultComplete, rpcapi.ResponseCanceled, rpcapi.ResponseError:
		return true
	default:
		return false
	}
}

// append assigns resp the next response_id, stores it, and wakes every
// waiter blocked in snapshot. Evicts the oldest buffered response once
// bufferLimit is exceeded — the upper bound spec.md §9's open question on
// result-stream buffer sizing calls for (see DESIGN.md).
func (o *operation) append(resp *rpcapi.ExecutePlanResponse) {
	o.mu.Lock()
	resp.OperationID = o.id
	resp.ResponseID = o.nextSeq
	o.nextSeq++
	o.responses = append(o.responses, resp)
	if o.bufferLimit > 0 && len(o.responses) > o.bufferLimit {
		o.responses = o.responses[len(o.responses)-o.bufferLimit:]
	}
	if isTerminal(resp.Kind) {
		o.done = true
	}
	ch := o.notify
	o.notify = make(chan struct{})
	o.mu.Unlock()
	close(ch)
}

// snapshot returns every buffered response with id > afterID, whether the
// operation has reached a terminal response, and a channel that closes the
// next time append or trim runs (so a caller with no new data can block on
// it without polling).
func (o *operation) snapshot(afterID uint64) (resp []*rpcapi.ExecutePlanResponse, done bool, notify chan struct{}) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, r := range o.responses {
		if r.ResponseID > afterID {
			resp = append(resp, r)
		}
	}
	return resp, o.done, o.notify
}

// trim drops every buffered response with id <= untilID, per spec.md §4.8's
// ReleaseExecute(operation_id, until_response_id). Idempotent: trimming past
// an already-trimmed id is a no-op, matching the idempotence rule in §4.5.
func (o *operation) trim(untilID uint64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	kept := o.responses[:0:0]
	for _, r := range o.responses {
		if r.ResponseID > untilID {
			kept = append(kept, r)
		}
	}
	o.responses = kept
}

// isDone reports whether a terminal response has been appended.
func (o *operation) isDone() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.done
}

// hasTag reports whether tag was registered on this operation via
// ExecutePlanRequest.Tags, for Interrupt's tag-based cancellation form.
func (o *operation) hasTag(tag string) bool {
	if tag == "" {
		return false
	}
	_, ok := o.tags[tag]
	return ok
}

// setJobID records the scheduler job backing this operation, once SubmitJob
// returns — Interrupt needs it to cancel the job, not just the submission
// context captured at ExecutePlan time.
func (o *operation) setJobID(jobID uint64) {
	o.mu.Lock()
	o.jobID = jobID
	o.hasJob = true
	o.mu.Unlock()
}

// job returns the scheduler job id backing this operation, if SubmitJob has
// returned one yet.
func (o *operation) job() (uint64, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.jobID, o.hasJob
}
