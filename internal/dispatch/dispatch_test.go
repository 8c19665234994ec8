package dispatch_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"

	"github.com/joeycumines/go-qexec/internal/dispatch"
	"github.com/joeycumines/go-qexec/internal/logging"
	"github.com/joeycumines/go-qexec/internal/plan"
	"github.com/joeycumines/go-qexec/internal/rpcapi"
	"github.com/joeycumines/go-qexec/internal/scheduler"
	"github.com/joeycumines/go-qexec/internal/session"
)

// fakeSubmitter implements dispatch.JobSubmitter without any real scheduler,
// fleet, or network involved — each SubmitJob call records its sink so a
// test can drive it directly.
type fakeSubmitter struct {
	mu        sync.Mutex
	nextID    uint64
	sinks     map[uint64]scheduler.ResultSink
	cancelled map[uint64]bool
}

func newFakeSubmitter() *fakeSubmitter {
	return &fakeSubmitter{sinks: make(map[uint64]scheduler.ResultSink), cancelled: make(map[uint64]bool)}
}

func (f *fakeSubmitter) SubmitJob(ctx context.Context, root plan.Node, sink scheduler.ResultSink) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	id := f.nextID
	f.sinks[id] = sink
	return id, nil
}

func (f *fakeSubmitter) CancelJob(ctx context.Context, jobID uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled[jobID] = true
	if sink, ok := f.sinks[jobID]; ok {
		sink.Fail(context.Canceled)
	}
	return nil
}

func (f *fakeSubmitter) sinkFor(jobID uint64) scheduler.ResultSink {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sinks[jobID]
}

func (f *fakeSubmitter) isCancelled(jobID uint64) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cancelled[jobID]
}

// mockServerStream implements grpc.ServerStream, in the same style the
// pack's proxy package mocks it for handler tests.
type mockServerStream struct {
	grpc.ServerStream
	ctx context.Context
}

func (m *mockServerStream) Context() context.Context { return m.ctx }

// recordingExecuteStream implements rpcapi.ClientGateway_ExecutePlanServer,
// recording every response Send delivers.
type recordingExecuteStream struct {
	*mockServerStream
	mu   sync.Mutex
	resp []*rpcapi.ExecutePlanResponse
}

func (r *recordingExecuteStream) Send(m *rpcapi.ExecutePlanResponse) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.resp = append(r.resp, m)
	return nil
}

func (r *recordingExecuteStream) snapshot() []*rpcapi.ExecutePlanResponse {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*rpcapi.ExecutePlanResponse, len(r.resp))
	copy(out, r.resp)
	return out
}

type recordingReattachStream struct {
	*mockServerStream
	mu   sync.Mutex
	resp []*rpcapi.ExecutePlanResponse
}

func (r *recordingReattachStream) Send(m *rpcapi.ExecutePlanResponse) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.resp = append(r.resp, m)
	return nil
}

func (r *recordingReattachStream) snapshot() []*rpcapi.ExecutePlanResponse {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*rpcapi.ExecutePlanResponse, len(r.resp))
	copy(out, r.resp)
	return out
}

var testSchema = arrow.NewSchema([]arrow.Field{{Name: "key", Type: arrow.BinaryTypes.String}}, nil)

func testPlan() plan.Node { return plan.NewScan("t", testSchema, 1) }

func newDispatcherForTest(t *testing.T) (*dispatch.Dispatcher, *fakeSubmitter, func()) {
	t.Helper()
	log := logging.New(nil)
	submit := newFakeSubmitter()
	factory, runners := dispatch.NewRunnerFactory(submit, log)

	store, err := session.New(log, time.Hour, nil, factory)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- store.Run(ctx) }()

	d := dispatch.NewWithStore(store, submit, runners, 64, 50*time.Millisecond, log)

	return d, submit, func() {
		cancel()
		<-done
	}
}

func encodedPlan(t *testing.T) []byte {
	t.Helper()
	data, err := plan.Encode(testPlan())
	require.NoError(t, err)
	return data
}

func TestExecutePlan_StreamsTerminalErrorResponse(t *testing.T) {
	d, submit, stop := newDispatcherForTest(t)
	defer stop()

	ctx, cancelStream := context.WithCancel(context.Background())
	defer cancelStream()
	stream := &recordingExecuteStream{mockServerStream: &mockServerStream{ctx: ctx}}

	req := &rpcapi.ExecutePlanRequest{SessionID: 1, UserID: "alice", PlanBytes: encodedPlan(t)}

	done := make(chan error, 1)
	go func() { done <- d.ExecutePlan(req, stream) }()

	require.Eventually(t, func() bool { return submit.sinkFor(1) != nil }, time.Second, time.Millisecond)
	sink := submit.sinkFor(1)

	sink.Fail(errors.New("job failed"))

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("ExecutePlan did not return")
	}

	resp := stream.snapshot()
	require.NotEmpty(t, resp)
	last := resp[len(resp)-1]
	require.Equal(t, rpcapi.ResponseError, last.Kind)
}

func TestAnalyzePlan_ReturnsSchemaAndExplainWithoutSubmitting(t *testing.T) {
	d, submit, stop := newDispatcherForTest(t)
	defer stop()

	resp, err := d.AnalyzePlan(context.Background(), &rpcapi.AnalyzePlanRequest{
		SessionID: 1, UserID: "alice", PlanBytes: encodedPlan(t),
	})
	require.NoError(t, err)
	require.NotEmpty(t, resp.SchemaBytes)
	require.Contains(t, resp.Explain, "Scan")

	submit.mu.Lock()
	n := submit.nextID
	submit.mu.Unlock()
	require.Zero(t, n, "AnalyzePlan must not submit a job")
}

func TestConfig_SetThenGetRoundTrips(t *testing.T) {
	d, _, stop := newDispatcherForTest(t)
	defer stop()

	key := &rpcapi.ConfigRequest{SessionID: 2, UserID: "bob"}
	_, err := d.Config(context.Background(), key)
	require.NoError(t, err)

	setResp, err := d.Config(context.Background(), &rpcapi.ConfigRequest{
		SessionID: 2, UserID: "bob",
		Set: map[string]string{"cluster.worker_task_slots": "7"},
	})
	require.NoError(t, err)
	require.Equal(t, "7", setResp.Entries["cluster.worker_task_slots"])

	getResp, err := d.Config(context.Background(), &rpcapi.ConfigRequest{SessionID: 2, UserID: "bob"})
	require.NoError(t, err)
	require.Equal(t, "7", getResp.Entries["cluster.worker_task_slots"])
}

func TestInterrupt_CancelsByOperationID(t *testing.T) {
	d, submit, stop := newDispatcherForTest(t)
	defer stop()

	ctx, cancelStream := context.WithCancel(context.Background())
	defer cancelStream()
	stream := &recordingExecuteStream{mockServerStream: &mockServerStream{ctx: ctx}}

	req := &rpcapi.ExecutePlanRequest{
		SessionID: 3, UserID: "carol", OperationID: "op-fixed",
		PlanBytes: encodedPlan(t), Reattachable: true,
	}
	done := make(chan error, 1)
	go func() { done <- d.ExecutePlan(req, stream) }()

	require.Eventually(t, func() bool { return submit.sinkFor(1) != nil }, time.Second, time.Millisecond)

	resp, err := d.Interrupt(context.Background(), &rpcapi.InterruptRequest{
		SessionID: 3, UserID: "carol", OperationID: "op-fixed",
	})
	require.NoError(t, err)
	require.Contains(t, resp.InterruptedIDs, "op-fixed")

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("ExecutePlan did not return after interrupt canceled its context")
	}
}

func TestReattachExecute_ResumesAfterLastResponseIDWithNoGaps(t *testing.T) {
	d, submit, stop := newDispatcherForTest(t)
	defer stop()

	ctx, cancelStream := context.WithCancel(context.Background())
	stream := &recordingExecuteStream{mockServerStream: &mockServerStream{ctx: ctx}}

	req := &rpcapi.ExecutePlanRequest{
		SessionID: 4, UserID: "dave", OperationID: "op-reattach",
		PlanBytes: encodedPlan(t), Reattachable: true,
	}
	done := make(chan error, 1)
	go func() { done <- d.ExecutePlan(req, stream) }()

	require.Eventually(t, func() bool { return submit.sinkFor(1) != nil }, time.Second, time.Millisecond)
	sink := submit.sinkFor(1)
	sink.Fail(errors.New("job failed")) // terminal ResponseError response

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("ExecutePlan did not return")
	}

	first := stream.snapshot()
	require.Len(t, first, 1)
	lastSeen := first[0].ResponseID

	reattachCtx, cancelReattach := context.WithCancel(context.Background())
	defer cancelReattach()
	reattachStream := &recordingReattachStream{mockServerStream: &mockServerStream{ctx: reattachCtx}}

	err := d.ReattachExecute(&rpcapi.ReattachExecuteRequest{
		SessionID: 4, UserID: "dave", OperationID: "op-reattach",
		LastResponseID: lastSeen, HasLastResponse: true,
	}, reattachStream)
	require.NoError(t, err)
	require.Empty(t, reattachStream.snapshot(), "no responses remain strictly after the already-seen id")

	cancelStream()
}

func TestReleaseExecute_TrimsBufferIdempotently(t *testing.T) {
	d, submit, stop := newDispatcherForTest(t)
	defer stop()

	ctx, cancelStream := context.WithCancel(context.Background())
	defer cancelStream()
	stream := &recordingExecuteStream{mockServerStream: &mockServerStream{ctx: ctx}}

	req := &rpcapi.ExecutePlanRequest{
		SessionID: 5, UserID: "erin", OperationID: "op-release",
		PlanBytes: encodedPlan(t), Reattachable: true,
	}
	done := make(chan error, 1)
	go func() { done <- d.ExecutePlan(req, stream) }()

	require.Eventually(t, func() bool { return submit.sinkFor(1) != nil }, time.Second, time.Millisecond)
	submit.sinkFor(1).Fail(errors.New("job failed"))

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("ExecutePlan did not return")
	}

	_, err := d.ReleaseExecute(context.Background(), &rpcapi.ReleaseExecuteRequest{
		SessionID: 5, UserID: "erin", OperationID: "op-release", UntilResponseID: 1,
	})
	require.NoError(t, err)

	_, err = d.ReleaseExecute(context.Background(), &rpcapi.ReleaseExecuteRequest{
		SessionID: 5, UserID: "erin", OperationID: "op-release", UntilResponseID: 1,
	})
	require.NoError(t, err, "releasing an already-trimmed range is a no-op")
}

func TestReleaseSession_StopsRunnerAndCancelsTrackedJobs(t *testing.T) {
	d, submit, stop := newDispatcherForTest(t)
	defer stop()

	ctx, cancelStream := context.WithCancel(context.Background())
	defer cancelStream()
	stream := &recordingExecuteStream{mockServerStream: &mockServerStream{ctx: ctx}}

	req := &rpcapi.ExecutePlanRequest{SessionID: 6, UserID: "frank", PlanBytes: encodedPlan(t)}
	done := make(chan error, 1)
	go func() { done <- d.ExecutePlan(req, stream) }()

	require.Eventually(t, func() bool { return submit.sinkFor(1) != nil }, time.Second, time.Millisecond)

	_, err := d.ReleaseSession(context.Background(), &rpcapi.ReleaseSessionRequest{SessionID: 6, UserID: "frank"})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return submit.isCancelled(1) }, time.Second, time.Millisecond)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("ExecutePlan did not return after session release")
	}
}
