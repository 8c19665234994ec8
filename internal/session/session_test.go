package session_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joeycumines/go-qexec/internal/logging"
	"github.com/joeycumines/go-qexec/internal/session"
)

// fakeRunner counts Stop calls so tests can assert reclamation and release
// actually tear down the bound job runner.
type fakeRunner struct {
	stopped atomic.Bool
}

func (r *fakeRunner) Stop() { r.stopped.Store(true) }

func newStore(t *testing.T, idleTimeout time.Duration) (*session.Store, func()) {
	t.Helper()
	log := logging.New(nil)
	st, err := session.New(log, idleTimeout, nil, func(session.Key) (session.JobRunner, error) {
		return &fakeRunner{}, nil
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- st.Run(ctx) }()

	return st, func() {
		cancel()
		<-done
	}
}

func TestGetOrCreate_ConcurrentCallersShareOneSession(t *testing.T) {
	st, stop := newStore(t, time.Hour)
	defer stop()

	key := session.Key{UserID: "u1", SessionID: "s1"}
	const n = 16
	var wg sync.WaitGroup
	results := make([]*session.Session, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			sess, err := st.GetOrCreate(context.Background(), key)
			require.NoError(t, err)
			results[i] = sess
		}(i)
	}
	wg.Wait()

	for i := 1; i < n; i++ {
		assert.Same(t, results[0], results[i])
	}
}

func TestGetOrCreate_DistinctKeysGetDistinctSessions(t *testing.T) {
	st, stop := newStore(t, time.Hour)
	defer stop()

	a, err := st.GetOrCreate(context.Background(), session.Key{UserID: "u1", SessionID: "s1"})
	require.NoError(t, err)
	b, err := st.GetOrCreate(context.Background(), session.Key{UserID: "u1", SessionID: "s2"})
	require.NoError(t, err)
	assert.NotSame(t, a, b)
}

func TestTrackActivity_RefreshesActiveAtMonotonically(t *testing.T) {
	st, stop := newStore(t, time.Hour)
	defer stop()

	key := session.Key{UserID: "u1", SessionID: "s1"}
	sess, err := st.GetOrCreate(context.Background(), key)
	require.NoError(t, err)
	first := sess.ActiveAt()

	time.Sleep(2 * time.Millisecond)
	require.NoError(t, st.TrackActivity(context.Background(), key))
	assert.True(t, sess.ActiveAt().After(first))
}

func TestIdleReclamation_EvictsAndStopsRunnerAfterTimeout(t *testing.T) {
	st, stop := newStore(t, 20*time.Millisecond)
	defer stop()

	key := session.Key{UserID: "u1", SessionID: "s1"}
	sess, err := st.GetOrCreate(context.Background(), key)
	require.NoError(t, err)
	runner := sess.Runner.(*fakeRunner)

	require.Eventually(t, func() bool {
		return runner.stopped.Load()
	}, time.Second, 2*time.Millisecond)

	// A subsequent GetOrCreate for the same key must construct a fresh
	// Session, since the prior one was reclaimed.
	again, err := st.GetOrCreate(context.Background(), key)
	require.NoError(t, err)
	assert.NotSame(t, sess, again)
}

func TestIdleReclamation_TrackActivityPostponesEviction(t *testing.T) {
	st, stop := newStore(t, 40*time.Millisecond)
	defer stop()

	key := session.Key{UserID: "u1", SessionID: "s1"}
	sess, err := st.GetOrCreate(context.Background(), key)
	require.NoError(t, err)
	runner := sess.Runner.(*fakeRunner)

	deadline := time.Now().Add(30 * time.Millisecond)
	for time.Now().Before(deadline) {
		require.NoError(t, st.TrackActivity(context.Background(), key))
		time.Sleep(5 * time.Millisecond)
	}
	assert.False(t, runner.stopped.Load(), "activity should have postponed the idle probe")

	require.Eventually(t, func() bool {
		return runner.stopped.Load()
	}, time.Second, 2*time.Millisecond)
}

func TestRelease_StopsRunnerAndRemovesSession(t *testing.T) {
	st, stop := newStore(t, time.Hour)
	defer stop()

	key := session.Key{UserID: "u1", SessionID: "s1"}
	sess, err := st.GetOrCreate(context.Background(), key)
	require.NoError(t, err)
	runner := sess.Runner.(*fakeRunner)

	require.NoError(t, st.Release(context.Background(), key))
	assert.True(t, runner.stopped.Load())

	// Releasing again is a no-op, per the idempotence invariant.
	require.NoError(t, st.Release(context.Background(), key))

	again, err := st.GetOrCreate(context.Background(), key)
	require.NoError(t, err)
	assert.NotSame(t, sess, again)
}

func TestRegisterAndInterruptOperation(t *testing.T) {
	st, stop := newStore(t, time.Hour)
	defer stop()

	key := session.Key{UserID: "u1", SessionID: "s1"}
	_, err := st.GetOrCreate(context.Background(), key)
	require.NoError(t, err)

	var canceled atomic.Bool
	_, cancel := context.WithCancel(context.Background())
	opID, err := st.RegisterOperation(context.Background(), key, func() {
		cancel()
		canceled.Store(true)
	})
	require.NoError(t, err)

	require.NoError(t, st.Interrupt(context.Background(), key, opID))
	assert.True(t, canceled.Load())

	require.NoError(t, st.UnregisterOperation(context.Background(), key, opID))
	err = st.Interrupt(context.Background(), key, opID)
	assert.Error(t, err)
}

func TestInterrupt_UnknownSessionOrOperationErrors(t *testing.T) {
	st, stop := newStore(t, time.Hour)
	defer stop()

	err := st.Interrupt(context.Background(), session.Key{UserID: "ghost", SessionID: "ghost"}, 1)
	assert.Error(t, err)

	key := session.Key{UserID: "u1", SessionID: "s1"}
	_, err = st.GetOrCreate(context.Background(), key)
	require.NoError(t, err)
	err = st.Interrupt(context.Background(), key, 999)
	assert.Error(t, err)
}

func TestGetSetConfig_RoundTrips(t *testing.T) {
	st, stop := newStore(t, time.Hour)
	defer stop()

	key := session.Key{UserID: "u1", SessionID: "s1"}
	_, err := st.GetOrCreate(context.Background(), key)
	require.NoError(t, err)

	cfg, err := st.GetConfig(context.Background(), key)
	require.NoError(t, err)

	cfg.Execution.BatchSize = cfg.Execution.BatchSize + 1
	require.NoError(t, st.SetConfig(context.Background(), key, cfg))

	got, err := st.GetConfig(context.Background(), key)
	require.NoError(t, err)
	assert.Equal(t, cfg, got)
}

func TestAdmit_NilLimiterAlwaysAllows(t *testing.T) {
	st, stop := newStore(t, time.Hour)
	defer stop()
	assert.NoError(t, st.Admit(session.Key{UserID: "u1", SessionID: "s1"}))
}

func TestShutdown_StopsEveryLiveSessionRunner(t *testing.T) {
	st, stop := newStore(t, time.Hour)

	keys := []session.Key{{UserID: "u1", SessionID: "s1"}, {UserID: "u1", SessionID: "s2"}}
	runners := make([]*fakeRunner, 0, len(keys))
	for _, k := range keys {
		sess, err := st.GetOrCreate(context.Background(), k)
		require.NoError(t, err)
		runners = append(runners, sess.Runner.(*fakeRunner))
	}

	require.NoError(t, st.Shutdown(context.Background()))
	for _, r := range runners {
		assert.True(t, r.stopped.Load())
	}
	stop()
}
