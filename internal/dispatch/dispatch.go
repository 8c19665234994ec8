// Package dispatch implements the request dispatcher (C8): the
// ClientGatewayServer frontend that turns ExecutePlan/AnalyzePlan/Config/
// Interrupt/ReattachExecute/ReleaseExecute/ReleaseSession RPCs into calls
// against the session core and the job scheduler, per spec.md §4.8.
//
// Unlike internal/scheduler and internal/session, Dispatcher is not built
// around a single internal/actor loop: its operations map holds largely
// independent producer/consumer entries (one ExecutePlan call each), with no
// shared total-ordering requirement across them, so a plain sync.Mutex over
// the map — the same style internal/fleet/local.go uses for its own
// concurrent-but-independent map of worker processes — is the simpler fit.
package dispatch

import (
	"bytes"
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/joeycumines/go-qexec/internal/batch"
	"github.com/joeycumines/go-qexec/internal/config"
	"github.com/joeycumines/go-qexec/internal/errs"
	"github.com/joeycumines/go-qexec/internal/idgen"
	"github.com/joeycumines/go-qexec/internal/logging"
	"github.com/joeycumines/go-qexec/internal/longpoll"
	"github.com/joeycumines/go-qexec/internal/plan"
	"github.com/joeycumines/go-qexec/internal/rpcapi"
	"github.com/joeycumines/go-qexec/internal/session"
)

// Dispatcher implements rpcapi.ClientGatewayServer.
type Dispatcher struct {
	sessions *session.Store
	submit   JobSubmitter
	runners  *runnerRegistry
	ids      idgen.Set
	log      *logging.Logger

	bufferLimit int
	group       longpoll.GroupConfig

	mu  sync.Mutex
	ops map[string]*operation
}

var _ rpcapi.ClientGatewayServer = (*Dispatcher)(nil)

// NewWithStore constructs a Dispatcher bound to store. store must have been
// built with the session.RunnerFactory returned by NewRunnerFactory, and
// runners must be the same registry that factory closes over — so that jobs
// submitted through ExecutePlan land in the sessionRunner ReleaseSession and
// idle reclamation will later stop. bufferLimit bounds each operation's
// reattach buffer (spec.md §9's "small, tens of batches" default, carried as
// config.Reattach.BufferCapacity — see DESIGN.md's Open Question entry).
// heartbeatInterval (config.Reattach.HeartbeatInterval) bounds how long a
// result-stream coalescing pass waits for a partial group before flushing
// what it has, so a response is still emitted at least that often.
func NewWithStore(store *session.Store, submit JobSubmitter, runners *runnerRegistry, bufferLimit int, heartbeatInterval time.Duration, log *logging.Logger) *Dispatcher {
	return &Dispatcher{
		sessions:    store,
		submit:      submit,
		runners:     runners,
		log:         log,
		bufferLimit: bufferLimit,
		group:       longpoll.FromReattachConfig(bufferLimit, heartbeatInterval),
		ops:         make(map[string]*operation),
	}
}

// NewRunnerFactory exposes the session.RunnerFactory a Store must be built
// with, paired with the runnerRegistry a Dispatcher constructed afterward
// needs to share. Call this before session.New, then pass the returned
// registry to NewWithStore.
func NewRunnerFactory(submit JobSubmitter, log *logging.Logger) (session.RunnerFactory, *runnerRegistry) {
	runners := newRunnerRegistry()
	return newRunnerFactory(submit, log, runners), runners
}

func sessionKey(sessionID uint64, userID string) session.Key {
	return session.Key{UserID: userID, SessionID: strconv.FormatUint(sessionID, 10)}
}

func (d *Dispatcher) putOperation(op *operation) {
	d.mu.Lock()
	d.ops[op.id] = op
	d.mu.Unlock()
}

func (d *Dispatcher) getOperation(id string) (*operation, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	op, ok := d.ops[id]
	return op, ok
}

func (d *Dispatcher) dropOperation(id string) {
	d.mu.Lock()
	delete(d.ops, id)
	d.mu.Unlock()
}

// ExecutePlan decodes req.PlanBytes, submits it as a job against the
// session's runner, and streams ExecutePlanResponse values back as the
// scheduler delivers them, per spec.md §4.8.
func (d *Dispatcher) ExecutePlan(req *rpcapi.ExecutePlanRequest, stream rpcapi.ClientGateway_ExecutePlanServer) error {
	ctx := stream.Context()
	key := sessionKey(req.SessionID, req.UserID)

	if _, err := d.sessions.GetOrCreate(ctx, key); err != nil {
		return fmt.Errorf("dispatch: execute plan: %w", err)
	}
	if err := d.sessions.Admit(key); err != nil {
		return err
	}
	_ = d.sessions.TrackActivity(ctx, key)

	root, err := plan.Decode(req.PlanBytes)
	if err != nil {
		return fmt.Errorf("dispatch: execute plan: decode: %w", errs.InvalidPlan)
	}

	opID := req.OperationID
	if opID == "" {
		opID = string(d.ids.NextOperation())
	}

	opCtx, cancel := context.WithCancel(context.Background())
	op := newOperation(opID, key, req.Reattachable, req.Tags, cancel, d.bufferLimit)
	d.putOperation(op)

	opSeq, regErr := d.sessions.RegisterOperation(ctx, key, cancel)
	if regErr != nil {
		cancel()
		d.dropOperation(opID)
		return fmt.Errorf("dispatch: execute plan: register operation: %w", regErr)
	}
	defer func() {
		_ = d.sessions.UnregisterOperation(context.Background(), key, opSeq)
		if !op.reattachable {
			d.dropOperation(opID)
		}
	}()

	sink := &operationSink{op: op, log: d.log, group: d.group}
	jobID, err := d.submit.SubmitJob(opCtx, root, sink)
	if err != nil {
		op.append(&rpcapi.ExecutePlanResponse{Kind: rpcapi.ResponseError, Message: err.Error()})
	} else {
		op.setJobID(jobID)
		if runner := d.runners.get(key); runner != nil {
			runner.track(jobID)
		}
	}

	return d.streamOperation(stream, op, 0)
}

// streamOperation replays op's buffer from afterID onward, then blocks on
// fresh responses until a terminal one is sent or the stream's context is
// canceled — the same "buffer + notify channel" wait loop ReattachExecute
// uses, parameterized by the starting point.
func (d *Dispatcher) streamOperation(stream rpcapi.ClientGateway_ExecutePlanServer, op *operation, afterID uint64) error {
	ctx := stream.Context()
	for {
		resp, done, notify := op.snapshot(afterID)
		for _, r := range resp {
			if err := stream.Send(r); err != nil {
				return err
			}
			afterID = r.ResponseID
		}
		if !op.reattachable {
			op.trim(afterID)
		}
		if done {
			return nil
		}
		select {
		case <-notify:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// AnalyzePlan decodes req.PlanBytes and returns its output schema and a
// textual explanation, without submitting any job, per spec.md §4.8.
func (d *Dispatcher) AnalyzePlan(ctx context.Context, req *rpcapi.AnalyzePlanRequest) (*rpcapi.AnalyzePlanResponse, error) {
	key := sessionKey(req.SessionID, req.UserID)
	if _, err := d.sessions.GetOrCreate(ctx, key); err != nil {
		return nil, fmt.Errorf("dispatch: analyze plan: %w", err)
	}
	_ = d.sessions.TrackActivity(ctx, key)

	root, err := plan.Decode(req.PlanBytes)
	if err != nil {
		return nil, fmt.Errorf("dispatch: analyze plan: decode: %w", errs.InvalidPlan)
	}

	var buf bytes.Buffer
	w := batch.NewWriter(&buf, root.Schema())
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("dispatch: analyze plan: encode schema: %w", err)
	}

	return &rpcapi.AnalyzePlanResponse{
		SchemaBytes: buf.Bytes(),
		Explain:     explain(root, 0),
	}, nil
}

// explain renders n's operator tree one line per node, indented by depth —
// enough for a human to see the shape of the plan the planner will stage.
func explain(n plan.Node, depth int) string {
	var sb strings.Builder
	sb.WriteString(strings.Repeat("  ", depth))
	sb.WriteString(nodeKindName(n.Kind()))
	for _, child := range n.Children() {
		sb.WriteByte('\n')
		sb.WriteString(explain(child, depth+1))
	}
	return sb.String()
}

func nodeKindName(k plan.NodeKind) string {
	switch k {
	case plan.KindScan:
		return "Scan"
	case plan.KindFilter:
		return "Filter"
	case plan.KindProject:
		return "Project"
	case plan.KindAggregate:
		return "Aggregate"
	case plan.KindRepartition:
		return "Repartition"
	case plan.KindCoalesceToOne:
		return "CoalesceToOne"
	case plan.KindShuffleWrite:
		return "ShuffleWrite"
	case plan.KindShuffleRead:
		return "ShuffleRead"
	default:
		return "Unknown"
	}
}

// Config gets or replaces a session's configuration snapshot, per spec.md
// §4.8's Config RPC.
func (d *Dispatcher) Config(ctx context.Context, req *rpcapi.ConfigRequest) (*rpcapi.ConfigResponse, error) {
	key := sessionKey(req.SessionID, req.UserID)
	if _, err := d.sessions.GetOrCreate(ctx, key); err != nil {
		return nil, fmt.Errorf("dispatch: config: %w", err)
	}
	_ = d.sessions.TrackActivity(ctx, key)

	if req.Set != nil {
		cur, err := d.sessions.GetConfig(ctx, key)
		if err != nil {
			return nil, fmt.Errorf("dispatch: config: get: %w", err)
		}
		cfg := applyConfigEntries(cur, req.Set)
		if err := d.sessions.SetConfig(ctx, key, cfg); err != nil {
			return nil, fmt.Errorf("dispatch: config: set: %w", err)
		}
		return &rpcapi.ConfigResponse{Entries: configEntries(cfg)}, nil
	}

	cfg, err := d.sessions.GetConfig(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("dispatch: config: get: %w", err)
	}
	return &rpcapi.ConfigResponse{Entries: configEntries(cfg)}, nil
}

// Interrupt cancels one operation by id, or every tagged operation under
// the session if OperationID is empty, per spec.md §4.8.
func (d *Dispatcher) Interrupt(ctx context.Context, req *rpcapi.InterruptRequest) (*rpcapi.InterruptResponse, error) {
	key := sessionKey(req.SessionID, req.UserID)

	var targets []*operation
	d.mu.Lock()
	if req.OperationID != "" {
		if op, ok := d.ops[req.OperationID]; ok && op.key == key {
			targets = append(targets, op)
		}
	} else if req.Tag != "" {
		for _, op := range d.ops {
			if op.key == key && op.hasTag(req.Tag) {
				targets = append(targets, op)
			}
		}
	}
	d.mu.Unlock()

	if len(targets) == 0 {
		return nil, fmt.Errorf("dispatch: interrupt: %w", errs.NotFound)
	}

	resp := &rpcapi.InterruptResponse{}
	for _, op := range targets {
		op.cancel()
		if jobID, ok := op.job(); ok {
			if err := d.submit.CancelJob(ctx, jobID); err != nil {
				d.log.Err().Err(err).Str("operation", op.id).Log(`interrupt: cancel job failed`)
			}
		}
		resp.InterruptedIDs = append(resp.InterruptedIDs, op.id)
	}
	return resp, nil
}

// ReattachExecute resumes a reattachable operation's stream from the
// successor of LastResponseID (or the earliest buffered response, if
// unspecified), per spec.md §4.8 and invariant I7: strictly greater ids,
// original order, no gaps until the live tail.
func (d *Dispatcher) ReattachExecute(req *rpcapi.ReattachExecuteRequest, stream rpcapi.ClientGateway_ReattachExecuteServer) error {
	key := sessionKey(req.SessionID, req.UserID)
	op, ok := d.getOperation(req.OperationID)
	if !ok || op.key != key {
		return fmt.Errorf("dispatch: reattach execute: %w", errs.NotFound)
	}
	if !op.reattachable {
		return fmt.Errorf("dispatch: reattach execute: operation is not reattachable: %w", errs.InvalidArgument)
	}

	_ = d.sessions.TrackActivity(stream.Context(), key)

	afterID := uint64(0)
	if req.HasLastResponse {
		afterID = req.LastResponseID
	}

	err := d.streamOperation(stream, op, afterID)
	if err == nil && op.isDone() {
		d.dropOperation(op.id)
	}
	return err
}

// ReleaseExecute trims a reattachable operation's buffer up to
// UntilResponseID, per spec.md §4.8. Idempotent: trimming an already-gone
// or already-trimmed range is a no-op.
func (d *Dispatcher) ReleaseExecute(ctx context.Context, req *rpcapi.ReleaseExecuteRequest) (*rpcapi.ReleaseExecuteResponse, error) {
	key := sessionKey(req.SessionID, req.UserID)
	if op, ok := d.getOperation(req.OperationID); ok && op.key == key {
		op.trim(req.UntilResponseID)
		if op.isDone() {
			d.dropOperation(op.id)
		}
	}
	return &rpcapi.ReleaseExecuteResponse{}, nil
}

// ReleaseSession explicitly terminates a session, stopping its job runner
// and canceling every job it tracked, per spec.md §4.8.
func (d *Dispatcher) ReleaseSession(ctx context.Context, req *rpcapi.ReleaseSessionRequest) (*rpcapi.ReleaseSessionResponse, error) {
	key := sessionKey(req.SessionID, req.UserID)
	if err := d.sessions.Release(ctx, key); err != nil {
		return nil, fmt.Errorf("dispatch: release session: %w", err)
	}

	d.mu.Lock()
	for id, op := range d.ops {
		if op.key == key {
			op.cancel()
			delete(d.ops, id)
		}
	}
	d.mu.Unlock()

	return &rpcapi.ReleaseSessionResponse{}, nil
}

// configEntries flattens cfg's operationally-adjustable fields into the
// dotted-key map ConfigResponse carries, matching config.Config's own
// struct-tag names (spec.md §6's table).
func configEntries(cfg config.Config) map[string]string {
	return map[string]string{
		"execution.mode":            string(cfg.Execution.Mode),
		"execution.batch_size":      strconv.Itoa(cfg.Execution.BatchSize),
		"cluster.worker_task_slots": strconv.Itoa(cfg.Cluster.WorkerTaskSlots),
		"cluster.worker_max_count":  strconv.Itoa(cfg.Cluster.WorkerMaxCount),
		"session.idle_timeout":      cfg.Session.IdleTimeout.String(),
		"reattach.buffer_capacity":  strconv.Itoa(cfg.Reattach.BufferCapacity),
		"retry.max_attempts":        strconv.Itoa(cfg.Retry.MaxAttempts),
	}
}

// applyConfigEntries overlays set onto cfg, recognizing five of the keys
// configEntries emits (execution.mode, execution.batch_size,
// cluster.worker_task_slots, cluster.worker_max_count, retry.max_attempts);
// session.idle_timeout, reattach.buffer_capacity and any other key are
// ignored. It mirrors internal/config's own
// applyEnvOverrides in being an explicit, non-reflective mapping rather
// than a generic key-to-field binder (no pack library targets this narrow a
// concern; see DESIGN.md).
func applyConfigEntries(cfg config.Config, set map[string]string) config.Config {
	if v, ok := set["execution.mode"]; ok {
		cfg.Execution.Mode = config.ExecutionMode(v)
	}
	if v, ok := set["execution.batch_size"]; ok {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Execution.BatchSize = n
		}
	}
	if v, ok := set["cluster.worker_task_slots"]; ok {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Cluster.WorkerTaskSlots = n
		}
	}
	if v, ok := set["cluster.worker_max_count"]; ok {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Cluster.WorkerMaxCount = n
		}
	}
	if v, ok := set["retry.max_attempts"]; ok {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Retry.MaxAttempts = n
		}
	}
	return cfg
}
