package scheduler

import (
	"context"
	"fmt"

	"github.com/joeycumines/go-qexec/internal/actor"
	"github.com/joeycumines/go-qexec/internal/errs"
	"github.com/joeycumines/go-qexec/internal/plan"
	"github.com/joeycumines/go-qexec/internal/stage"
)

// submitResult carries SubmitJob's actor-side outcome back to its caller,
// including how many workers the new job's widest stage wants — computed
// inside the actor closure (it needs job.Stages) but acted on outside it
// (fleet.ScaleUp is a network/process call that must not block the loop).
type submitResult struct {
	jobID       uint64
	wantWorkers int
}

// SubmitJob plans root, creates its Stages and Tasks, enqueues them, and
// invokes a schedule cycle, per spec.md §4.5's "Submit job". sink receives
// the final stage's output once "Update task" observes it start Running.
func (s *Scheduler) SubmitJob(ctx context.Context, root plan.Node, sink ResultSink) (uint64, error) {
	res, err := actor.Call(ctx, s.actor, func() (submitResult, error) {
		stages, err := stage.Plan(root)
		if err != nil {
			return submitResult{}, fmt.Errorf("scheduler: submit job: plan stages: %w", err)
		}

		jobID := uint64(s.ids.NextJob())

		job := &Job{ID: jobID, Stages: stages, PlanBytes: make(map[int][]byte), State: JobRunning}

		want := 0
		for _, st := range stages {
			planBytes, err := plan.Encode(st.Root)
			if err != nil {
				return submitResult{}, fmt.Errorf("scheduler: submit job: encode stage %d: %w", st.Ordinal, err)
			}
			job.PlanBytes[st.Ordinal] = planBytes

			if st.NumOutputPartitions > want {
				want = st.NumOutputPartitions
			}

			final := st.Final(stages)
			for p := 0; p < st.NumOutputPartitions; p++ {
				taskID := uint64(s.ids.NextTask())

				t := &Task{
					ID:           taskID,
					JobID:        jobID,
					StageOrdinal: st.Ordinal,
					Partition:    p,
					Mode:         TaskPipelined,
					State:        TaskCreated,
				}
				if final {
					t.ResultChannel = resultChannelName(jobID, taskID)
				} else {
					t.ShuffleChannel = shuffleChannelName(jobID, st.Ordinal, taskID, t.Attempt)
				}

				s.tasks[taskID] = t
				job.Tasks = append(job.Tasks, taskID)
				s.queue.PushBack(taskID)
			}
		}

		s.jobs[jobID] = job
		s.outputs[jobID] = &JobOutput{State: OutputPending, Sink: sink}

		s.runScheduleCycle()

		return submitResult{jobID: jobID, wantWorkers: want}, nil
	})
	if err != nil {
		return 0, err
	}
	if res.wantWorkers > 0 {
		go s.requestScaleUp(res.wantWorkers)
	}
	return res.jobID, nil
}

func (s *Scheduler) requestScaleUp(want int) {
	if err := s.fleet.ScaleUp(context.Background(), want); err != nil {
		s.log.Err().Err(err).Int("want", want).Log(`fleet scale-up request failed`)
	}
}

// resultChannelName must match the fallback internal/worker's control
// endpoint synthesizes when RunTaskRequest.Channel is empty (see
// control.go's run_task), since the scheduler leaves it empty for
// final-stage tasks and needs to independently know what to fetch later.
func resultChannelName(jobID, taskID uint64) string {
	return fmt.Sprintf("result/%d/%d", jobID, taskID)
}

// shuffleChannelName names a non-final task's shuffle-write output channel,
// unique per (job, stage, task, attempt) — spec.md §3's "channel_name
// uniquely identifies (job, stage, producer_task, attempt)". Each new
// attempt gets a fresh name per the glossary's "Attempt" entry.
func shuffleChannelName(jobID uint64, stageOrdinal int, taskID uint64, attempt int) string {
	return fmt.Sprintf("shuffle/%d/%d/%d/%d", jobID, stageOrdinal, taskID, attempt)
}

// findShuffleRead walks down root's single-child chain for a
// *plan.ShuffleRead leaf. internal/stage's planner only ever produces
// linear per-stage chains (single-child rewriting, confirmed by
// stage.go's "only single-child operators are supported" error), so a
// stage's Root tree contains at most one.
func findShuffleRead(root plan.Node) (*plan.ShuffleRead, bool) {
	n := root
	for {
		if read, ok := n.(*plan.ShuffleRead); ok {
			return read, true
		}
		children := n.Children()
		if len(children) != 1 {
			return nil, false
		}
		n = children[0]
	}
}

// CancelJob marks jobID Canceled, stops its Running/Scheduled tasks, and
// fails its result sink, per spec.md §4.5's "Cancel job". Idempotent:
// canceling an already-terminal job is a no-op.
func (s *Scheduler) CancelJob(ctx context.Context, jobID uint64) error {
	_, err := actor.Call(ctx, s.actor, func() (struct{}, error) {
		job, ok := s.jobs[jobID]
		if !ok {
			return struct{}{}, fmt.Errorf("scheduler: cancel job %d: %w", jobID, errs.NotFound)
		}
		if job.State != JobRunning {
			return struct{}{}, nil
		}
		job.State = JobCanceled

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

		s.failOutput(jobID, fmt.Errorf("scheduler: job %d: %w", jobID, errs.Canceled))
		return struct{}{}, nil
	})
	return err
}
