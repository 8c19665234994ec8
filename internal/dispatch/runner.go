package dispatch

import (
	"context"
	"sync"

	"github.com/joeycumines/go-qexec/internal/logging"
	"github.com/joeycumines/go-qexec/internal/plan"
	"github.com/joeycumines/go-qexec/internal/scheduler"
	"github.com/joeycumines/go-qexec/internal/session"
)

// JobSubmitter is the subset of *scheduler.Scheduler the dispatcher needs.
// Abstracted so Dispatcher can be tested against a fake scheduler with no
// fleet, transport, or actor machinery involved.
type JobSubmitter interface {
	SubmitJob(ctx context.Context, root plan.Node, sink scheduler.ResultSink) (uint64, error)
	CancelJob(ctx context.Context, jobID uint64) error
}

// sessionRunner implements session.JobRunner, tracking every job id
// submitted under one session key so Stop (called on ReleaseSession or idle
// reclamation, per spec.md §4.7) can cancel all of them.
type sessionRunner struct {
	key    session.Key
	submit JobSubmitter
	log    *logging.Logger

	mu   sync.Mutex
	jobs map[uint64]struct{}
}

var _ session.JobRunner = (*sessionRunner)(nil)

func newSessionRunner(key session.Key, submit JobSubmitter, log *logging.Logger) *sessionRunner {
	return &sessionRunner{key: key, submit: submit, log: log, jobs: make(map[uint64]struct{})}
}

func (r *sessionRunner) track(jobID uint64) {
	r.mu.Lock()
	r.jobs[jobID] = struct{}{}
	r.mu.Unlock()
}

// Stop cancels every job this session ever submitted. Cancellation of an
// already-terminal job is a no-op, per spec.md §4.5's idempotence rule.
func (r *sessionRunner) Stop() {
	r.mu.Lock()
	jobs := make([]uint64, 0, len(r.jobs))
	for id := range r.jobs {
		jobs = append(jobs, id)
	}
	r.jobs = make(map[uint64]struct{})
	r.mu.Unlock()

	for _, id := range jobs {
		if err := r.submit.CancelJob(context.Background(), id); err != nil {
			r.log.Err().Err(err).Uint64("job_id", id).Str("session", r.key.String()).Log(`session release: cancel job failed`)
		}
	}
}

// newRunnerFactory adapts submit into a session.RunnerFactory, recording
// each constructed runner in runners so Dispatcher can find the one backing
// a given session when it needs to track a newly-submitted job.
func newRunnerFactory(submit JobSubmitter, log *logging.Logger, runners *runnerRegistry) session.RunnerFactory {
	return func(key session.Key) (session.JobRunner, error) {
		r := newSessionRunner(key, submit, log)
		runners.put(key, r)
		return r, nil
	}
}

// runnerRegistry lets Dispatcher look up the sessionRunner backing a key
// without session.Store exposing JobRunner as a concrete type (it only
// promises the JobRunner interface, which has no Track method).
type runnerRegistry struct {
	mu sync.Mutex
	m  map[session.Key]*sessionRunner
}

func newRunnerRegistry() *runnerRegistry { return &runnerRegistry{m: make(map[session.Key]*sessionRunner)} }

func (r *runnerRegistry) put(key session.Key, runner *sessionRunner) {
	r.mu.Lock()
	r.m[key] = runner
	r.mu.Unlock()
}

func (r *runnerRegistry) get(key session.Key) *sessionRunner {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.m[key]
}
