package fleet_test

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"

	"github.com/joeycumines/go-qexec/internal/fleet"
	"github.com/joeycumines/go-qexec/internal/logging"
	"github.com/joeycumines/go-qexec/internal/rpcapi"
)

// sleeperBinary writes a tiny shell script standing in for cmd/worker: it
// ignores whatever -driver/-listen/-id flags LocalProvider passes it and
// just sleeps, so tests can start and signal a real child process without
// building the worker binary.
func sleeperBinary(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fake-worker.sh")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\nexec sleep 5\n"), 0o755))
	return path
}

// fakeOrchestrator stands in for an external orchestrator endpoint,
// recording every descriptor submitted and worker stopped.
type fakeOrchestrator struct {
	mu       sync.Mutex
	scaledUp []rpcapi.WorkerDescriptor
	stopped  []uint64
}

func (f *fakeOrchestrator) ScaleUp(_ context.Context, in *rpcapi.ScaleUpRequest, _ ...grpc.CallOption) (*rpcapi.ScaleUpResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scaledUp = append(f.scaledUp, in.Descriptors...)
	return &rpcapi.ScaleUpResponse{}, nil
}

func (f *fakeOrchestrator) Stop(_ context.Context, in *rpcapi.StopRequest, _ ...grpc.CallOption) (*rpcapi.StopResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = append(f.stopped, in.WorkerID)
	return &rpcapi.StopResponse{}, nil
}

var _ rpcapi.OrchestratorClient = (*fakeOrchestrator)(nil)

func TestExternalProvider_ScaleUp_RequestsOnlyTheShortfall(t *testing.T) {
	orc := &fakeOrchestrator{}
	p := fleet.NewExternalProvider(orc, "127.0.0.1:17077", 4, fleet.Bounds{Min: 1, Max: 8}, logging.New(nil))

	require.NoError(t, p.ScaleUp(context.Background(), 3))
	orc.mu.Lock()
	assert.Len(t, orc.scaledUp, 3)
	orc.mu.Unlock()

	// Already at 3 live; asking for a minimum of 4 should request one more
	// worker, not four.
	require.NoError(t, p.ScaleUp(context.Background(), 4))
	orc.mu.Lock()
	assert.Len(t, orc.scaledUp, 4)
	orc.mu.Unlock()
}

func TestExternalProvider_ScaleUp_ClampsToMax(t *testing.T) {
	orc := &fakeOrchestrator{}
	p := fleet.NewExternalProvider(orc, "127.0.0.1:17077", 4, fleet.Bounds{Min: 1, Max: 2}, logging.New(nil))

	require.NoError(t, p.ScaleUp(context.Background(), 10))
	orc.mu.Lock()
	assert.Len(t, orc.scaledUp, 2)
	orc.mu.Unlock()
}

func TestExternalProvider_Stop_RefusesBelowMinimum(t *testing.T) {
	orc := &fakeOrchestrator{}
	p := fleet.NewExternalProvider(orc, "127.0.0.1:17077", 4, fleet.Bounds{Min: 2, Max: 8}, logging.New(nil))

	require.NoError(t, p.ScaleUp(context.Background(), 2))

	err := p.Stop(context.Background(), 1)
	assert.Error(t, err)
	orc.mu.Lock()
	assert.Empty(t, orc.stopped)
	orc.mu.Unlock()
}

func TestExternalProvider_Stop_UnknownWorkerIsNoop(t *testing.T) {
	orc := &fakeOrchestrator{}
	p := fleet.NewExternalProvider(orc, "127.0.0.1:17077", 4, fleet.Bounds{Min: 0, Max: 8}, logging.New(nil))

	require.NoError(t, p.Stop(context.Background(), 999))
	orc.mu.Lock()
	assert.Empty(t, orc.stopped)
	orc.mu.Unlock()
}

func TestExternalProvider_Stop_SucceedsAboveMinimum(t *testing.T) {
	orc := &fakeOrchestrator{}
	p := fleet.NewExternalProvider(orc, "127.0.0.1:17077", 4, fleet.Bounds{Min: 1, Max: 8}, logging.New(nil))

	require.NoError(t, p.ScaleUp(context.Background(), 2))
	require.NoError(t, p.Stop(context.Background(), 1))

	orc.mu.Lock()
	assert.Equal(t, []uint64{1}, orc.stopped)
	orc.mu.Unlock()
}

func TestLocalProvider_ScaleUpAndStop(t *testing.T) {
	// "sleep 5" stands in for cmd/worker: a real child process this test can
	// start, observe, and signal without building the worker binary.
	p := fleet.NewLocalProvider(sleeperBinary(t), "", "127.0.0.1:17077", 4, fleet.Bounds{Min: 1, Max: 3}, logging.New(nil))

	require.NoError(t, p.ScaleUp(context.Background(), 2))
	assert.Equal(t, 2, p.LiveCount())

	require.NoError(t, p.Stop(context.Background(), 1))
	assert.Eventually(t, func() bool {
		return p.LiveCount() == 1
	}, time.Second, 5*time.Millisecond)
}

func TestLocalProvider_ScaleUp_ClampsToMax(t *testing.T) {
	p := fleet.NewLocalProvider(sleeperBinary(t), "", "127.0.0.1:17077", 4, fleet.Bounds{Min: 0, Max: 2}, logging.New(nil))

	require.NoError(t, p.ScaleUp(context.Background(), 10))
	assert.Equal(t, 2, p.LiveCount())
}

func TestLocalProvider_Stop_RefusesBelowMinimum(t *testing.T) {
	p := fleet.NewLocalProvider(sleeperBinary(t), "", "127.0.0.1:17077", 4, fleet.Bounds{Min: 2, Max: 4}, logging.New(nil))

	require.NoError(t, p.ScaleUp(context.Background(), 2))
	assert.Error(t, p.Stop(context.Background(), 1))
	assert.Equal(t, 2, p.LiveCount())
}
