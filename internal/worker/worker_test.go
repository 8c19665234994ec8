package worker_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"google.golang.org/grpc"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joeycumines/go-qexec/internal/batch"
	"github.com/joeycumines/go-qexec/internal/logging"
	"github.com/joeycumines/go-qexec/internal/plan"
	"github.com/joeycumines/go-qexec/internal/rpcapi"
	"github.com/joeycumines/go-qexec/internal/shuffle"
	"github.com/joeycumines/go-qexec/internal/worker"
)

var testSchema = arrow.NewSchema([]arrow.Field{
	{Name: "id", Type: arrow.PrimitiveTypes.Int64},
}, nil)

func makeRecord(t *testing.T, ids ...int64) batch.Batch {
	t.Helper()
	b := array.NewRecordBuilder(batch.Allocator, testSchema)
	defer b.Release()
	b.Field(0).(*array.Int64Builder).AppendValues(ids, nil)
	return b.NewRecord()
}

// stubDriver is an in-memory stand-in for rpcapi.DriverControlClient,
// recording every call a Worker under test makes, so tests can assert on
// status reports without standing up a real scheduler.
type stubDriver struct {
	mu       sync.Mutex
	statuses []*rpcapi.StatusUpdate
}

func newStubDriver() *stubDriver { return &stubDriver{} }

func (s *stubDriver) RegisterWorker(context.Context, *rpcapi.RegisterWorkerRequest, ...grpc.CallOption) (*rpcapi.RegisterWorkerResponse, error) {
	return &rpcapi.RegisterWorkerResponse{}, nil
}

func (s *stubDriver) ReportStatus(_ context.Context, in *rpcapi.StatusUpdate, _ ...grpc.CallOption) (*rpcapi.StatusAck, error) {
	s.mu.Lock()
	s.statuses = append(s.statuses, in)
	s.mu.Unlock()
	return &rpcapi.StatusAck{}, nil
}

func (s *stubDriver) Heartbeat(context.Context, *rpcapi.HeartbeatRequest, ...grpc.CallOption) (*rpcapi.HeartbeatResponse, error) {
	return &rpcapi.HeartbeatResponse{}, nil
}

// terminalStatus returns the last terminal (non-running) status reported
// for taskID, or "" if none has arrived yet.
func (s *stubDriver) terminalStatus(taskID uint64) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.statuses) - 1; i >= 0; i-- {
		u := s.statuses[i]
		if u.TaskID == taskID && u.Status != "running" {
			return u.Status
		}
	}
	return ""
}

var _ rpcapi.DriverControlClient = (*stubDriver)(nil)

// noopDialer never succeeds — used by tests whose plan has no
// plan.ShuffleRead leaves, so it is never actually invoked.
type noopDialer struct{}

func (noopDialer) Dial(context.Context, string) (rpcapi.TransportClient, error) {
	panic("noopDialer: Dial should not be called by a scan-only plan")
}

var _ worker.Dialer = noopDialer{}

func TestDefaultRegistry_FilterPassesBatchesThrough(t *testing.T) {
	reg := worker.DefaultRegistry()
	op, err := reg.Lookup(plan.KindFilter)
	require.NoError(t, err)

	in := make(chan batch.Batch, 1)
	out := make(chan batch.Batch, 1)
	rec := makeRecord(t, 1, 2, 3)
	in <- rec
	close(in)

	err = op(context.Background(), in, out)
	require.NoError(t, err)

	select {
	case got := <-out:
		assert.Equal(t, rec, got)
		got.Release()
	default:
		t.Fatal("expected a batch on out")
	}
}

func TestDefaultRegistry_ShuffleWritePassesBatchesThrough(t *testing.T) {
	reg := worker.DefaultRegistry()
	op, err := reg.Lookup(plan.KindShuffleWrite)
	require.NoError(t, err)

	in := make(chan batch.Batch, 1)
	out := make(chan batch.Batch, 1)
	rec := makeRecord(t, 4, 5)
	in <- rec
	close(in)

	err = op(context.Background(), in, out)
	require.NoError(t, err)

	select {
	case got := <-out:
		assert.Equal(t, rec, got)
		got.Release()
	default:
		t.Fatal("expected a batch on out")
	}
}

func TestDefaultRegistry_UnregisteredKindErrors(t *testing.T) {
	reg := worker.NewRegistry()
	_, err := reg.Lookup(plan.KindAggregate)
	assert.Error(t, err)
}

func TestRunTask_InvalidPlanBytes_ReturnsError(t *testing.T) {
	store := shuffle.New()
	log := logging.New(nil)
	drv := newStubDriver()
	w := worker.New(1, 2, worker.DefaultRegistry(), store, noopDialer{}, drv, log)

	_, err := w.RunTask(context.Background(), &rpcapi.RunTaskRequest{
		TaskID:    1,
		Attempt:   0,
		PlanBytes: []byte("not a valid plan"),
		Partition: 0,
	})
	require.Error(t, err)
}

func TestRunTask_ScanOnly_ProducesEmptyResultChannelAndSucceeds(t *testing.T) {
	store := shuffle.New()
	log := logging.New(nil)
	drv := newStubDriver()
	w := worker.New(7, 2, worker.DefaultRegistry(), store, noopDialer{}, drv, log)

	scan := plan.NewScan("t", testSchema, 1)
	data, err := plan.Encode(scan)
	require.NoError(t, err)

	resp, err := w.RunTask(context.Background(), &rpcapi.RunTaskRequest{
		TaskID:    42,
		Attempt:   0,
		PlanBytes: data,
		Partition: 0,
		JobID:     1,
	})
	require.NoError(t, err)
	require.NotNil(t, resp)

	require.Eventually(t, func() bool {
		return drv.terminalStatus(42) != ""
	}, time.Second, 5*time.Millisecond)

	assert.Equal(t, "succeeded", drv.terminalStatus(42))

	reader, err := store.Subscribe("result/1/42")
	require.NoError(t, err)
	rec, err := reader.Next(context.Background())
	require.NoError(t, err)
	assert.Nil(t, rec) // scan contributes no rows; channel closes cleanly
}

func TestStopTask_UnknownTask_IsNoop(t *testing.T) {
	store := shuffle.New()
	log := logging.New(nil)
	drv := newStubDriver()
	w := worker.New(1, 2, worker.DefaultRegistry(), store, noopDialer{}, drv, log)

	resp, err := w.StopTask(context.Background(), &rpcapi.StopTaskRequest{TaskID: 999, Attempt: 0})
	require.NoError(t, err)
	require.NotNil(t, resp)
}

func TestRemoveStream_UnknownChannel_IsNoop(t *testing.T) {
	store := shuffle.New()
	log := logging.New(nil)
	drv := newStubDriver()
	w := worker.New(1, 2, worker.DefaultRegistry(), store, noopDialer{}, drv, log)

	resp, err := w.RemoveStream(context.Background(), &rpcapi.RemoveStreamRequest{Channel: "never-subscribed"})
	require.NoError(t, err)
	require.NotNil(t, resp)

	// a second release of the same channel is also a no-op.
	resp, err = w.RemoveStream(context.Background(), &rpcapi.RemoveStreamRequest{Channel: "never-subscribed"})
	require.NoError(t, err)
	require.NotNil(t, resp)
}

func TestRunTask_NoFreeSlots_ReturnsUnavailable(t *testing.T) {
	store := shuffle.New()
	log := logging.New(nil)
	drv := newStubDriver()
	w := worker.New(1, 0, worker.DefaultRegistry(), store, noopDialer{}, drv, log)

	scan := plan.NewScan("t", testSchema, 1)
	data, err := plan.Encode(scan)
	require.NoError(t, err)

	_, err = w.RunTask(context.Background(), &rpcapi.RunTaskRequest{
		TaskID:    1,
		PlanBytes: data,
	})
	require.Error(t, err)
}

func TestStopTask_CancelsRunningTask(t *testing.T) {
	store := shuffle.New()
	log := logging.New(nil)
	drv := newStubDriver()
	w := worker.New(3, 1, worker.DefaultRegistry(), store, blockingDialer{}, drv, log)

	read := plan.NewShuffleRead(0, testSchema, plan.Partitioning{Kind: plan.Hash, NumPartitions: 1})
	data, err := plan.Encode(read)
	require.NoError(t, err)

	_, err = w.RunTask(context.Background(), &rpcapi.RunTaskRequest{
		TaskID:    5,
		PlanBytes: data,
		Channel:   "out",
		Inputs: []rpcapi.ShuffleInputRef{
			{StageID: 0, Channel: "shuffle-in", WorkerAddress: "blocking"},
		},
	})
	require.NoError(t, err)

	_, err = w.StopTask(context.Background(), &rpcapi.StopTaskRequest{TaskID: 5, Attempt: 0})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return drv.terminalStatus(5) != ""
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, "canceled", drv.terminalStatus(5))
}

// blockingDialer simulates an upstream worker that never sends data, so the
// execution under test sits in buildShuffleRead until StopTask cancels it.
type blockingDialer struct{}

func (blockingDialer) Dial(ctx context.Context, address string) (rpcapi.TransportClient, error) {
	return blockingTransportClient{}, nil
}

var _ worker.Dialer = blockingDialer{}

type blockingTransportClient struct{}

func (blockingTransportClient) Fetch(ctx context.Context, in *rpcapi.FetchRequest, opts ...grpc.CallOption) (rpcapi.Transport_FetchClient, error) {
	return blockingFetchClient{ctx: ctx}, nil
}

func (blockingTransportClient) Release(context.Context, *rpcapi.ReleaseRequest, ...grpc.CallOption) (*rpcapi.ReleaseResponse, error) {
	return &rpcapi.ReleaseResponse{}, nil
}

// blockingFetchClient blocks Recv until its context is canceled, modeling an
// upstream stream that produces nothing before a stop_task cancels the task.
type blockingFetchClient struct {
	rpcapi.Transport_FetchClient
	ctx context.Context
}

func (b blockingFetchClient) Recv() (*rpcapi.Frame, error) {
	<-b.ctx.Done()
	return nil, b.ctx.Err()
}
