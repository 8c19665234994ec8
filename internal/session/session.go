// Package session implements the session core (C7): a process-wide
// `(user_id, session_id) -> Session` map protected by a single-threaded
// actor, lazy session construction, per-operation activity tracking, and
// idle-timeout reclamation, per spec.md §4.7.
package session

import (
	"context"
	"fmt"
	"time"

	"github.com/joeycumines/go-qexec/internal/actor"
	"github.com/joeycumines/go-qexec/internal/config"
	"github.com/joeycumines/go-qexec/internal/errs"
	"github.com/joeycumines/go-qexec/internal/idgen"
	"github.com/joeycumines/go-qexec/internal/logging"
	"github.com/joeycumines/go-qexec/internal/ratelimit"
)

// Key identifies one session, per spec.md §3's "(user_id, session_id) ->
// Session" mapping.
type Key struct {
	UserID    string
	SessionID string
}

func (k Key) String() string { return k.UserID + "/" + k.SessionID }

// JobRunner is the per-session job-submission backend a Session binds to on
// construction — spec.md §3's "job runner handle (local or cluster)". The
// session core only needs to be able to stop one on reclamation; the richer
// submit/cancel surface is defined and implemented by internal/scheduler,
// which also constructs JobRunner values via the RunnerFactory this package
// is configured with, so internal/session has no import-time dependency on
// internal/scheduler.
type JobRunner interface {
	// Stop cancels every job outstanding on this runner and releases its
	// resources. Called once, by the session core, on release or idle
	// reclamation.
	Stop()
}

// RunnerFactory constructs the JobRunner bound to a newly-created session.
type RunnerFactory func(key Key) (JobRunner, error)

// Session is one user+session execution context. All fields are owned by
// the Store's actor loop; outside callers only ever observe a Session
// through Store's methods, which marshal onto that loop.
type Session struct {
	Key      Key
	Config   config.Config
	Runner   JobRunner
	activeAt time.Time

	operations map[uint64]context.CancelFunc
	opIDs      idgen.Generator
}

// ActiveAt returns the session's last-refreshed activity instant. Safe to
// call from any goroutine: Store never mutates a Session after handing a
// pointer to a caller except via its own actor loop, and writes to
// activeAt are always a full replacement (time.Time), so a racing reader at
// worst observes a slightly stale value — acceptable for spec.md's
// monotonic-non-decreasing invariant, which only constrains writes.
func (s *Session) ActiveAt() time.Time { return s.activeAt }

// Store is the C7 session core: the actor-protected session map.
type Store struct {
	actor       *actor.Actor
	sessions    map[Key]*Session
	newRunner   RunnerFactory
	idleTimeout time.Duration
	limiter     *ratelimit.Limiter
}

// New constructs a Store. idleTimeout is spec.md §6's session.idle_timeout;
// limiter may be nil to disable per-session admission throttling.
func New(log *logging.Logger, idleTimeout time.Duration, limiter *ratelimit.Limiter, newRunner RunnerFactory) (*Store, error) {
	a, err := actor.New("session", "", log)
	if err != nil {
		return nil, fmt.Errorf("session: new store: %w", err)
	}
	return &Store{
		actor:       a,
		sessions:    make(map[Key]*Session),
		newRunner:   newRunner,
		idleTimeout: idleTimeout,
		limiter:     limiter,
	}, nil
}

// Run drives the store's actor loop until ctx is canceled.
func (s *Store) Run(ctx context.Context) error { return s.actor.Run(ctx) }

// Shutdown stops every live session's job runner and drains the actor loop.
func (s *Store) Shutdown(ctx context.Context) error {
	_, _ = actor.Call(ctx, s.actor, func() (struct{}, error) {
		for key, sess := range s.sessions {
			sess.Runner.Stop()
			delete(s.sessions, key)
		}
		return struct{}{}, nil
	})
	return s.actor.Shutdown(ctx)
}

// Admit reports whether key may submit another request right now, per
// SPEC_FULL.md's per-session admission throttle. A nil limiter always
// admits.
func (s *Store) Admit(key Key) error {
	if s.limiter == nil {
		return nil
	}
	if _, ok := s.limiter.Allow(ratelimit.Key{UserID: key.UserID, SessionID: key.SessionID}); !ok {
		return fmt.Errorf("session: admit %s: %w", key, errs.Unavailable)
	}
	return nil
}

// GetOrCreate returns key's Session, constructing one (and its JobRunner) on
// first reference, per spec.md §4.7's get_or_create: concurrent callers for
// the same key are synchronized onto the actor loop, so exactly one
// construction occurs and every caller observes the same *Session.
func (s *Store) GetOrCreate(ctx context.Context, key Key) (*Session, error) {
	return actor.Call(ctx, s.actor, func() (*Session, error) {
		if sess, ok := s.sessions[key]; ok {
			return sess, nil
		}

		runner, err := s.newRunner(key)
		if err != nil {
			return nil, fmt.Errorf("session: new job runner for %s: %w", key, err)
		}

		sess := &Session{
			Key:        key,
			Config:     config.Default(),
			Runner:     runner,
			activeAt:   time.Now(),
			operations: make(map[uint64]context.CancelFunc),
		}
		s.sessions[key] = sess
		s.scheduleIdleProbe(sess)
		return sess, nil
	})
}

// TrackActivity refreshes key's active_at to now and reschedules its idle
// probe, per spec.md §4.7's per-operation track_activity. A call for an
// unknown key (session already reclaimed) is a no-op.
func (s *Store) TrackActivity(ctx context.Context, key Key) error {
	_, err := actor.Call(ctx, s.actor, func() (struct{}, error) {
		if sess, ok := s.sessions[key]; ok {
			sess.activeAt = time.Now()
			s.scheduleIdleProbe(sess)
		}
		return struct{}{}, nil
	})
	return err
}

// Release explicitly terminates key's session (spec.md §4.8's
// ReleaseSession): stops its job runner and removes it from the map.
// Idempotent — releasing an already-gone session is a no-op, per spec.md
// §4.5's idempotence rule for session reclamation.
func (s *Store) Release(ctx context.Context, key Key) error {
	_, err := actor.Call(ctx, s.actor, func() (struct{}, error) {
		if sess, ok := s.sessions[key]; ok {
			sess.Runner.Stop()
			delete(s.sessions, key)
		}
		return struct{}{}, nil
	})
	return err
}

// scheduleIdleProbe arranges the delayed idle check spec.md §4.7 describes:
// "after construction and after each track_activity refresh, schedule a
// delayed check; when fired, if active_at <= recorded_instant, evict and
// stop the session's job runner." recorded is sess.activeAt as of this call
// — the probe only evicts if nothing refreshed it in the meantime. Must be
// called from the actor loop.
func (s *Store) scheduleIdleProbe(sess *Session) {
	recorded := sess.activeAt
	_ = s.actor.ScheduleTimer(s.idleTimeout, func() {
		cur, ok := s.sessions[sess.Key]
		if !ok || cur != sess {
			return // already reclaimed or replaced by a newer session
		}
		if !cur.activeAt.After(recorded) {
			delete(s.sessions, sess.Key)
			cur.Runner.Stop()
		}
	})
}

// RegisterOperation allocates an operation id for key's session, bound to
// cancel — the live-operations set spec.md §3 describes a Session owning.
// Used by Interrupt (spec.md §4.8) to cancel one in-flight operation, and by
// idle reclamation's session.Runner.Stop() to tear down everything still
// running (via the runner's own bookkeeping, not this set directly).
func (s *Store) RegisterOperation(ctx context.Context, key Key, cancel context.CancelFunc) (uint64, error) {
	return actor.Call(ctx, s.actor, func() (uint64, error) {
		sess, ok := s.sessions[key]
		if !ok {
			return 0, fmt.Errorf("session: register operation: %s: %w", key, errs.NotFound)
		}
		id := sess.opIDs.Next()
		sess.operations[id] = cancel
		return id, nil
	})
}

// UnregisterOperation removes operationID from key's live set once it
// completes, whether normally or via Interrupt.
func (s *Store) UnregisterOperation(ctx context.Context, key Key, operationID uint64) error {
	_, err := actor.Call(ctx, s.actor, func() (struct{}, error) {
		if sess, ok := s.sessions[key]; ok {
			delete(sess.operations, operationID)
		}
		return struct{}{}, nil
	})
	return err
}

// Interrupt cancels one live operation, per spec.md §4.8's Interrupt RPC.
func (s *Store) Interrupt(ctx context.Context, key Key, operationID uint64) error {
	_, err := actor.Call(ctx, s.actor, func() (struct{}, error) {
		sess, ok := s.sessions[key]
		if !ok {
			return struct{}{}, fmt.Errorf("session: interrupt: %s: %w", key, errs.NotFound)
		}
		cancel, ok := sess.operations[operationID]
		if !ok {
			return struct{}{}, fmt.Errorf("session: interrupt: operation %d: %w", operationID, errs.NotFound)
		}
		cancel()
		return struct{}{}, nil
	})
	return err
}

// GetConfig snapshots key's session configuration, per spec.md §4.8's Config
// RPC (get form).
func (s *Store) GetConfig(ctx context.Context, key Key) (config.Config, error) {
	return actor.Call(ctx, s.actor, func() (config.Config, error) {
		sess, ok := s.sessions[key]
		if !ok {
			return config.Config{}, fmt.Errorf("session: get config: %s: %w", key, errs.NotFound)
		}
		return sess.Config, nil
	})
}

// SetConfig replaces key's session configuration snapshot, per spec.md
// §4.8's Config RPC (set form).
func (s *Store) SetConfig(ctx context.Context, key Key, cfg config.Config) error {
	_, err := actor.Call(ctx, s.actor, func() (struct{}, error) {
		sess, ok := s.sessions[key]
		if !ok {
			return struct{}{}, fmt.Errorf("session: set config: %s: %w", key, errs.NotFound)
		}
		sess.Config = cfg
		return struct{}{}, nil
	})
	return err
}
