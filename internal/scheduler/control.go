package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/joeycumines/go-qexec/internal/actor"
	"github.com/joeycumines/go-qexec/internal/rpcapi"
)

var _ rpcapi.DriverControlServer = (*Scheduler)(nil)

// RegisterWorker admits a worker the fleet manager provisioned, per
// spec.md §4.5: transition Pending→Running, schedule its loss-probe and
// idle-probe timers, and invoke a schedule cycle so it can immediately pick
// up queued work. A worker is only ever registered once — a second
// RegisterWorker for the same id is rejected rather than silently reset,
// since that would otherwise clobber an already-Running worker's attached
// tasks.
func (s *Scheduler) RegisterWorker(ctx context.Context, req *rpcapi.RegisterWorkerRequest) (*rpcapi.RegisterWorkerResponse, error) {
	_, err := actor.Call(ctx, s.actor, func() (struct{}, error) {
		if _, ok := s.workers[req.WorkerID]; ok {
			return struct{}{}, fmt.Errorf("scheduler: register worker %d: already registered", req.WorkerID)
		}

		now := time.Now()
		w := &Worker{
			ID:            req.WorkerID,
			State:         WorkerRunning,
			Address:       req.Address,
			TaskSlots:     req.TaskSlots,
			Tasks:         make(map[uint64]struct{}),
			LastHeartbeat: now,
			LastUpdate:    now,
		}
		s.workers[req.WorkerID] = w

		s.scheduleLossProbe(w)
		s.scheduleIdleProbe(w)
		s.runScheduleCycle()

		return struct{}{}, nil
	})
	if err != nil {
		return nil, err
	}
	return &rpcapi.RegisterWorkerResponse{}, nil
}

// Heartbeat refreshes worker_id's last_heartbeat, per spec.md §4.5. An
// unknown worker id is silently ignored — it may have already been reaped
// by the loss-probe, racing the heartbeat in flight.
func (s *Scheduler) Heartbeat(ctx context.Context, req *rpcapi.HeartbeatRequest) (*rpcapi.HeartbeatResponse, error) {
	_, err := actor.Call(ctx, s.actor, func() (struct{}, error) {
		if w, ok := s.workers[req.WorkerID]; ok {
			w.LastHeartbeat = time.Now()
		}
		return struct{}{}, nil
	})
	if err != nil {
		return nil, err
	}
	return &rpcapi.HeartbeatResponse{}, nil
}

// ReportStatus applies a worker's task status report, per spec.md §4.5's
// "Update task".
func (s *Scheduler) ReportStatus(ctx context.Context, upd *rpcapi.StatusUpdate) (*rpcapi.StatusAck, error) {
	_, err := actor.Call(ctx, s.actor, func() (struct{}, error) {
		s.updateTask(upd)
		return struct{}{}, nil
	})
	if err != nil {
		return nil, err
	}
	return &rpcapi.StatusAck{}, nil
}
