package worker

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/joeycumines/go-qexec/internal/errs"
	"github.com/joeycumines/go-qexec/internal/logging"
	"github.com/joeycumines/go-qexec/internal/plan"
	"github.com/joeycumines/go-qexec/internal/rpcapi"
	"github.com/joeycumines/go-qexec/internal/shuffle"
)

// taskHandle tracks one accepted task's running execution.
type taskHandle struct {
	exec      *execution
	stopped   atomic.Bool
	doneCh    chan struct{}
}

// Worker is the C3 worker runtime: a fixed task-slot pool fronted by
// rpcapi.WorkerControlServer, reporting status and heartbeats to the driver
// through rpcapi.DriverControlClient, per spec.md §4.3.
type Worker struct {
	ID       uint64
	registry *Registry
	store    *shuffle.Store
	dialer   Dialer
	driver   rpcapi.DriverControlClient
	log      *logging.Logger

	slots chan struct{}

	mu    sync.Mutex
	tasks map[taskKey]*taskHandle

	seq atomic.Uint64

	stopOnce sync.Once
	stopCh   chan struct{}
}

// New constructs a Worker with taskSlots concurrently-runnable tasks,
// executing plan nodes against registry and storing shuffle output in
// store. driver is the control-plane client back to the scheduler.
func New(id uint64, taskSlots int, registry *Registry, store *shuffle.Store, dialer Dialer, driver rpcapi.DriverControlClient, log *logging.Logger) *Worker {
	return &Worker{
		ID:       id,
		registry: registry,
		store:    store,
		dialer:   dialer,
		driver:   driver,
		log:      logging.With(log, "worker", fmt.Sprintf("%d", id)),
		slots:    make(chan struct{}, taskSlots),
		tasks:    make(map[taskKey]*taskHandle),
		stopCh:   make(chan struct{}),
	}
}

var _ rpcapi.WorkerControlServer = (*Worker)(nil)

// RunTask accepts task_id/attempt/plan_bytes/partition/channel, per spec.md
// §4.3. It decodes the plan fragment synchronously (a decode failure is
// reported as an InvalidPlan RPC error directly, rather than accepted and
// then immediately failed asynchronously — see DESIGN.md) and, once
// accepted, runs the task on a dedicated goroutine bound to one task slot.
func (w *Worker) RunTask(ctx context.Context, req *rpcapi.RunTaskRequest) (*rpcapi.RunTaskResponse, error) {
	root, err := plan.Decode(req.PlanBytes)
	if err != nil {
		return nil, fmt.Errorf("worker: decode plan: %w: %v", errs.InvalidPlan, err)
	}

	key := taskKey{taskID: req.TaskID, attempt: req.Attempt}

	select {
	case w.slots <- struct{}{}:
	default:
		return nil, fmt.Errorf("worker: run task %s: %w: no task slots available", key, errs.Unavailable)
	}

	exec := newExecution(context.Background(), w.dialer, w.registry, w.store)
	h := &taskHandle{exec: exec, doneCh: make(chan struct{})}

	w.mu.Lock()
	w.tasks[key] = h
	w.mu.Unlock()

	channel := req.Channel
	if channel == "" {
		channel = fmt.Sprintf("result/%d/%d", req.JobID, req.TaskID)
	}

	w.reportStatus(key, StatusRunning, "", nil)

	go w.execute(key, h, root, req.Partition, channel, shuffle.Consumption(req.Consumption), req.Inputs)

	return &rpcapi.RunTaskResponse{}, nil
}

func (w *Worker) execute(key taskKey, h *taskHandle, root plan.Node, partition int, channel string, consumption shuffle.Consumption, inputs []rpcapi.ShuffleInputRef) {
	defer close(h.doneCh)
	defer h.exec.close()
	defer func() {
		w.mu.Lock()
		delete(w.tasks, key)
		w.mu.Unlock()
		<-w.slots
	}()

	err := h.exec.run(root, partition, channel, consumption, inputs)

	switch {
	case err == nil:
		w.reportStatus(key, StatusSucceeded, "", nil)
	case h.stopped.Load():
		w.reportStatus(key, StatusCanceled, "stopped by driver", nil)
	default:
		w.log.Err().Err(err).Str("task", key.String()).Log(`task failed`)
		w.reportStatus(key, StatusFailed, "", err)
	}
}

// StopTask cancels a running task, per spec.md §4.3's stop_task(task_id,
// attempt). Stopping an already-finished or unknown task is a no-op success
// — the driver may race a stop against a task's own completion report.
func (w *Worker) StopTask(ctx context.Context, req *rpcapi.StopTaskRequest) (*rpcapi.StopTaskResponse, error) {
	key := taskKey{taskID: req.TaskID, attempt: req.Attempt}

	w.mu.Lock()
	h, ok := w.tasks[key]
	w.mu.Unlock()
	if !ok {
		return &rpcapi.StopTaskResponse{}, nil
	}

	h.stopped.Store(true)
	h.exec.cancelTask()

	return &rpcapi.StopTaskResponse{}, nil
}

// RemoveStream forwards to the shuffle store's release, per spec.md §4.3's
// remove_stream(channel).
func (w *Worker) RemoveStream(ctx context.Context, req *rpcapi.RemoveStreamRequest) (*rpcapi.RemoveStreamResponse, error) {
	if err := w.store.Release(req.Channel); err != nil {
		return nil, err
	}
	return &rpcapi.RemoveStreamResponse{}, nil
}

// StopWorker initiates graceful shutdown: running tasks are canceled and
// the worker stops accepting new ones, per spec.md §4.3's stop_worker().
func (w *Worker) StopWorker(ctx context.Context, req *rpcapi.StopWorkerRequest) (*rpcapi.StopWorkerResponse, error) {
	w.Shutdown()
	return &rpcapi.StopWorkerResponse{}, nil
}

// Shutdown cancels every running task and signals heartbeat/control loops
// to stop. Idempotent.
func (w *Worker) Shutdown() {
	w.stopOnce.Do(func() {
		close(w.stopCh)
		w.mu.Lock()
		handles := make([]*taskHandle, 0, len(w.tasks))
		for _, h := range w.tasks {
			handles = append(handles, h)
		}
		w.mu.Unlock()
		for _, h := range handles {
			h.exec.cancelTask()
		}
	})
}

// Done reports the channel that closes once StopWorker/Shutdown fires.
func (w *Worker) Done() <-chan struct{} {
	return w.stopCh
}

// nextSequence returns the next strictly-increasing, per-worker-global
// sequence number for a status report, per spec.md §4.3.
func (w *Worker) nextSequence() uint64 {
	return w.seq.Add(1)
}

func (w *Worker) reportStatus(key taskKey, status TaskStatus, message string, cause error) {
	update := &rpcapi.StatusUpdate{
		WorkerID: w.ID,
		TaskID:   key.taskID,
		Attempt:  key.attempt,
		Status:   status.String(),
		Message:  message,
		Sequence: w.nextSequence(),
	}
	if cause != nil {
		update.Error = cause.Error()
	}

	ctx, cancel := context.WithTimeout(context.Background(), statusReportTimeout)
	defer cancel()
	if _, err := w.driver.ReportStatus(ctx, update); err != nil {
		w.log.Err().Err(err).Str("task", key.String()).Log(`status report failed`)
	}
}
