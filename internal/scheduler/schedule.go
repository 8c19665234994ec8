package scheduler

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/joeycumines/go-qexec/internal/errs"
	"github.com/joeycumines/go-qexec/internal/rpcapi"
	"github.com/joeycumines/go-qexec/internal/transport"
)

// runScheduleCycle implements spec.md §4.5's schedule cycle pseudocode
// exactly: pop the queue front to back, skip (but keep queued) tasks that
// aren't yet ready or find no free slot, dispatch the rest, then restore
// the skipped tasks to the queue's front in their original order. Must be
// called from the actor loop.
func (s *Scheduler) runScheduleCycle() {
	var skipped []uint64

loop:
	for {
		taskID, ok := s.queue.PopFront()
		if !ok {
			break
		}
		t, ok := s.tasks[taskID]
		if !ok || (t.State != TaskCreated && t.State != TaskPending) {
			continue // canceled, or a stale queue entry
		}
		if !s.canSchedule(t) {
			skipped = append(skipped, taskID)
			continue
		}

		t.State = TaskPending

		w := s.nextFreeWorker()
		if w == nil {
			skipped = append(skipped, taskID)
			break loop
		}

		s.dispatchTask(t, w)
	}

	for i := len(skipped) - 1; i >= 0; i-- {
		s.queue.PushFront(skipped[i])
	}
}

// canSchedule implements spec.md §4.5's readiness condition: a task in
// stage s is schedulable iff every task in every stage < s is Running or
// Succeeded. Stage 0 tasks are always schedulable (the loop below simply
// finds no predecessor-stage tasks to check).
func (s *Scheduler) canSchedule(t *Task) bool {
	job, ok := s.jobs[t.JobID]
	if !ok {
		return false
	}
	for _, taskID := range job.Tasks {
		other := s.tasks[taskID]
		if other == nil || other.StageOrdinal >= t.StageOrdinal {
			continue
		}
		if other.State != TaskRunning && other.State != TaskSucceeded {
			return false
		}
	}
	return true
}

// nextFreeWorker selects the next Running worker with a free slot,
// round-robin, per spec.md §4.5's tie-breaking rule. Worker membership is
// sorted by id for a deterministic order each cycle; the cursor otherwise
// carries over between calls so repeated invocations fan out evenly.
func (s *Scheduler) nextFreeWorker() *Worker {
	var ids []uint64
	for id, w := range s.workers {
		if w.State == WorkerRunning && w.OccupiedSlots < w.TaskSlots {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		return nil
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	if s.rrCursor >= len(ids) {
		s.rrCursor = 0
	}
	id := ids[s.rrCursor]
	s.rrCursor = (s.rrCursor + 1) % len(ids)
	return s.workers[id]
}

// dispatchTask serializes t's run_task directive and hands it off to a
// goroutine for the actual RPC — the actor loop itself must never block on
// network I/O — then marks t Scheduled(w) and occupies w's slot
// synchronously, per invariants 1 and 2.
func (s *Scheduler) dispatchTask(t *Task, w *Worker) {
	job := s.jobs[t.JobID]
	st := job.Stages[t.StageOrdinal]

	req := &rpcapi.RunTaskRequest{
		TaskID:      t.ID,
		Attempt:     t.Attempt,
		PlanBytes:   job.PlanBytes[t.StageOrdinal],
		Partition:   t.Partition,
		Consumption: int(st.ConsumptionMode),
		JobID:       t.JobID,
	}
	if t.ResultChannel == "" {
		req.Channel = t.ShuffleChannel
	}
	if read, ok := findShuffleRead(st.Root); ok {
		req.Inputs = s.buildShuffleInputs(job, read.StageID)
	}

	t.State = TaskScheduled
	t.WorkerID = w.ID
	w.Tasks[t.ID] = struct{}{}
	w.OccupiedSlots++
	w.LastUpdate = time.Now()

	address := w.Address
	go s.sendRunTask(address, req)
}

// buildShuffleInputs resolves every task of producerStageOrdinal into a
// ShuffleInputRef, per spec.md §3: "a shuffle-read task for partition p of
// stage s+1 pulls channel slot p from every task of stage s" — here "every
// task", unfiltered by partition index, since this core's operator
// registry never evaluates a partitioning key to select which upstream
// output actually belongs to a given downstream partition (see DESIGN.md);
// internal/worker's buildShuffleRead already merges every ref sharing a
// StageID without partition filtering, so this is the matching producer
// side of that contract.
func (s *Scheduler) buildShuffleInputs(job *Job, producerStageOrdinal int) []rpcapi.ShuffleInputRef {
	var refs []rpcapi.ShuffleInputRef
	for _, taskID := range job.Tasks {
		t := s.tasks[taskID]
		if t == nil || t.StageOrdinal != producerStageOrdinal {
			continue
		}
		w := s.workers[t.WorkerID]
		if w == nil {
			continue
		}
		refs = append(refs, rpcapi.ShuffleInputRef{
			StageID:       producerStageOrdinal,
			Channel:       t.ShuffleChannel,
			WorkerAddress: w.Address,
		})
	}
	return refs
}

func (s *Scheduler) sendRunTask(address string, req *rpcapi.RunTaskRequest) {
	client, err := s.controlDial.Dial(address)
	if err != nil {
		s.reportDispatchFailure(req.TaskID, fmt.Errorf("scheduler: dial worker %q: %w", address, err))
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), rpcTimeout)
	defer cancel()
	if _, err := client.RunTask(ctx, req); err != nil {
		s.reportDispatchFailure(req.TaskID, fmt.Errorf("scheduler: run_task %d: %w", req.TaskID, err))
	}
}

// reportDispatchFailure re-enters the actor loop to treat a failed run_task
// send the same as any other task failure — the worker never got the
// chance to report one itself.
func (s *Scheduler) reportDispatchFailure(taskID uint64, cause error) {
	_ = s.actor.Tell(func() {
		t, ok := s.tasks[taskID]
		if !ok || t.State.Terminal() {
			return
		}
		s.log.Err().Err(cause).Uint64("task_id", taskID).Log(`run_task dispatch failed`)
		s.releaseTaskSlot(t)
		t.Cause = cause.Error()
		t.State = TaskFailed
		s.rescheduleOrFail(t)
		s.runScheduleCycle()
	})
}

func (s *Scheduler) sendStopTask(t *Task) {
	w, ok := s.workers[t.WorkerID]
	if !ok {
		return
	}
	address, taskID, attempt := w.Address, t.ID, t.Attempt
	go func() {
		client, err := s.controlDial.Dial(address)
		if err != nil {
			s.log.Err().Err(err).Uint64("task_id", taskID).Log(`stop_task dial failed`)
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), rpcTimeout)
		defer cancel()
		if _, err := client.StopTask(ctx, &rpcapi.StopTaskRequest{TaskID: taskID, Attempt: attempt}); err != nil {
			s.log.Err().Err(err).Uint64("task_id", taskID).Log(`stop_task failed`)
		}
	}()
}

func (s *Scheduler) sendRemoveStream(t *Task) {
	w, ok := s.workers[t.WorkerID]
	if !ok {
		return
	}
	address, channel := w.Address, t.ShuffleChannel
	go func() {
		client, err := s.controlDial.Dial(address)
		if err != nil {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), rpcTimeout)
		defer cancel()
		_, _ = client.RemoveStream(ctx, &rpcapi.RemoveStreamRequest{Channel: channel})
	}()
}

func (s *Scheduler) releaseTaskSlot(t *Task) {
	w, ok := s.workers[t.WorkerID]
	if !ok {
		return
	}
	delete(w.Tasks, t.ID)
	if w.OccupiedSlots > 0 {
		w.OccupiedSlots--
	}
	w.LastUpdate = time.Now()
}

// updateTask applies one status report, per spec.md §4.5's "Update task".
func (s *Scheduler) updateTask(upd *rpcapi.StatusUpdate) {
	t, ok := s.tasks[upd.TaskID]
	if !ok {
		return // job/task already reclaimed
	}

	seq := s.taskSeq[upd.TaskID]
	if upd.Attempt < seq.attempt || (upd.Attempt == seq.attempt && upd.Sequence <= seq.sequence) {
		return // stale, invariant 5
	}
	s.taskSeq[upd.TaskID] = taskSequence{attempt: upd.Attempt, sequence: upd.Sequence}

	if upd.Attempt != t.Attempt {
		return // report for an attempt this task has since moved past
	}

	if w, ok := s.workers[upd.WorkerID]; ok {
		w.LastUpdate = time.Now()
	}

	switch upd.Status {
	case "running":
		t.State = TaskRunning
		t.Message = upd.Message
		if t.ResultChannel != "" {
			s.beginResultStreaming(t)
		}

	case "succeeded":
		t.State = TaskSucceeded
		t.Message = upd.Message
		s.releaseTaskSlot(t)
		s.checkJobCompletion(t.JobID)
		s.runScheduleCycle() // a predecessor-stage completion may unblock queued tasks

	case "failed":
		t.State = TaskFailed
		t.Message = upd.Message
		t.Cause = upd.Error
		s.releaseTaskSlot(t)
		s.rescheduleOrFail(t)
		s.runScheduleCycle()

	case "canceled":
		t.State = TaskCanceled
		s.releaseTaskSlot(t)
		s.checkJobCompletion(t.JobID)
	}
}

// classifyTransient reports whether cause — a status update's Error field,
// which crosses the wire as plain text rather than a wrapped error — names
// one of errs' retriable sentinels. errs.Transient takes an error and
// compares via errors.Is, which cannot be reconstructed from a string
// without re-wrapping a sentinel that was never actually returned here, so
// this package matches by substring against the sentinels' own Error()
// text instead (see DESIGN.md).
func classifyTransient(cause string) bool {
	if cause == "" {
		return false
	}
	return strings.Contains(cause, errs.Unavailable.Error()) ||
		strings.Contains(cause, errs.UpstreamLost.Error())
}

// rescheduleOrFail applies spec.md §4.5's retry policy to a Failed task:
// transient causes retry (fresh attempt, fresh shuffle channel, pushed to
// the back of task_queue) up to the configured attempt cap; everything
// else fails the job immediately.
func (s *Scheduler) rescheduleOrFail(t *Task) {
	if classifyTransient(t.Cause) && t.Attempt+1 < s.cfg.MaxAttempts {
		t.Attempt++
		t.State = TaskCreated
		t.WorkerID = 0
		if t.ShuffleChannel != "" {
			t.ShuffleChannel = shuffleChannelName(t.JobID, t.StageOrdinal, t.ID, t.Attempt)
		}
		s.queue.PushBack(t.ID)
		return
	}
	s.failJob(t.JobID, fmt.Errorf("scheduler: task %d: %s", t.ID, t.Cause))
}

// failJob marks jobID Failed, stops its live tasks, and fails its sink.
func (s *Scheduler) failJob(jobID uint64, cause error) {
	job, ok := s.jobs[jobID]
	if !ok || job.State != JobRunning {
		return
	}
	job.State = JobFailed
	job.Message = cause.Error()

	for _, taskID := range job.Tasks {
		t := s.tasks[taskID]
		if t == nil {
			continue
		}
		switch t.State {
		case TaskRunning, TaskScheduled:
			s.sendStopTask(t)
		case TaskCreated, TaskPending:
			t.State = TaskCanceled
		}
	}

	s.failOutput(jobID, cause)
}

func (s *Scheduler) failOutput(jobID uint64, cause error) {
	out, ok := s.outputs[jobID]
	if !ok || out.State == OutputDone || out.State == OutputFailed {
		return
	}
	out.State = OutputFailed
	if out.Sink != nil {
		out.Sink.Fail(cause)
	}
}

// checkJobCompletion marks jobID Done once every task has reached a
// terminal state, per spec.md §4.5's "Job completion" — releasing each
// surviving non-final task's shuffle channel, since nothing downstream will
// read it again. The producing task's own Succeeded transition already
// implies its channel's writer closed cleanly, so this core treats
// "every task terminal" as sufficient without a separate, otherwise-unwired
// acknowledgment from the result consumer that it observed end-of-stream
// (see DESIGN.md).
func (s *Scheduler) checkJobCompletion(jobID uint64) {
	job, ok := s.jobs[jobID]
	if !ok || job.State != JobRunning {
		return
	}
	for _, taskID := range job.Tasks {
		t := s.tasks[taskID]
		if t == nil || !t.State.Terminal() {
			return
		}
	}

	job.State = JobSucceeded
	for _, taskID := range job.Tasks {
		t := s.tasks[taskID]
		if t.ShuffleChannel != "" && t.WorkerID != 0 {
			s.sendRemoveStream(t)
		}
	}
	if out, ok := s.outputs[jobID]; ok && out.State == OutputStreaming {
		out.State = OutputDone
	}
}

// beginResultStreaming transitions the job's output Pending→Streaming and
// spawns the fetch of its final-stage result channel, per spec.md §4.5.
func (s *Scheduler) beginResultStreaming(t *Task) {
	out, ok := s.outputs[t.JobID]
	if !ok || out.State != OutputPending {
		return
	}
	out.State = OutputStreaming

	w, ok := s.workers[t.WorkerID]
	if !ok {
		s.failOutput(t.JobID, fmt.Errorf("scheduler: result stream: worker %d gone: %w", t.WorkerID, errs.NotFound))
		return
	}

	sink, address, channel := out.Sink, w.Address, t.ResultChannel
	go s.deliverResult(sink, address, channel)
}

func (s *Scheduler) deliverResult(sink ResultSink, address, channel string) {
	client, err := s.transportDial.Dial(context.Background(), address)
	if err != nil {
		sink.Fail(fmt.Errorf("scheduler: dial %q for result stream: %w", address, err))
		return
	}
	reader, err := transport.Fetch(context.Background(), client, channel, s.cfg.ResultBufferDepth)
	if err != nil {
		sink.Fail(fmt.Errorf("scheduler: fetch result channel %q: %w", channel, err))
		return
	}
	sink.Deliver(reader)
}

// scheduleLossProbe arranges the periodic worker-liveness check spec.md
// §4.5 describes, re-scheduling itself each firing so a worker is checked
// repeatedly for its whole Running lifetime.
func (s *Scheduler) scheduleLossProbe(w *Worker) {
	_ = s.actor.ScheduleTimer(s.cfg.LossThreshold, func() {
		cur, ok := s.workers[w.ID]
		if !ok || cur != w || cur.State != WorkerRunning {
			return
		}
		if time.Since(cur.LastHeartbeat) > s.cfg.LossThreshold {
			s.failWorker(cur, "lost")
			return
		}
		s.scheduleLossProbe(cur)
	})
}

// failWorker transitions w to Failed and applies invariant 6: every task
// Running/Scheduled on it is marked for retry (or, past the attempt cap,
// fails its job).
func (s *Scheduler) failWorker(w *Worker, message string) {
	w.State = WorkerFailed
	w.Message = message

	for taskID := range w.Tasks {
		t := s.tasks[taskID]
		if t == nil {
			continue
		}
		t.Cause = fmt.Sprintf("%s: worker %d %s", errs.UpstreamLost, w.ID, message)
		t.State = TaskFailed
		s.rescheduleOrFail(t)
	}
	w.Tasks = make(map[uint64]struct{})

	s.runScheduleCycle()
}

// scheduleIdleProbe reclaims a worker with no attached tasks that has been
// idle past the configured threshold, per spec.md §4.5's "Idle worker
// reclamation" — asking the fleet manager to stop it (internal/fleet
// enforces the minimum-worker bound) rather than deciding unilaterally.
// Only transitions this Worker to Stopped once the fleet manager actually
// confirms the stop; a refused request (would drop below the minimum)
// leaves it Running and due for another probe.
func (s *Scheduler) scheduleIdleProbe(w *Worker) {
	_ = s.actor.ScheduleTimer(s.cfg.IdleThreshold, func() {
		cur, ok := s.workers[w.ID]
		if !ok || cur != w || cur.State != WorkerRunning {
			return
		}
		if len(cur.Tasks) == 0 && time.Since(cur.LastUpdate) > s.cfg.IdleThreshold {
			id := cur.ID
			go func() {
				if err := s.fleet.Stop(context.Background(), id); err != nil {
					s.log.Err().Err(err).Uint64("worker_id", id).Log(`idle worker stop request failed`)
					return
				}
				_ = s.actor.Tell(func() {
					if w, ok := s.workers[id]; ok && w.State == WorkerRunning {
						w.State = WorkerStopped
					}
				})
			}()
		}
		s.scheduleIdleProbe(cur)
	})
}
