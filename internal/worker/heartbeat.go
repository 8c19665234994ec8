package worker

import (
	"context"
	"time"

	"github.com/joeycumines/go-qexec/internal/rpcapi"
)

// statusReportTimeout bounds a single ReportStatus call so a slow/partitioned
// driver connection cannot pile up goroutines behind reportStatus.
const statusReportTimeout = 5 * time.Second

// Register announces this worker to the driver, per spec.md §4.3's initial
// handshake: worker id, task-slot count, and the address the driver should
// dial for WorkerControl calls (empty in local execution mode, where the
// driver already holds an in-process client for this worker directly).
func (w *Worker) Register(ctx context.Context, address string) error {
	_, err := w.driver.RegisterWorker(ctx, &rpcapi.RegisterWorkerRequest{
		WorkerID:  w.ID,
		TaskSlots: cap(w.slots),
		Address:   address,
	})
	return err
}

// RunHeartbeat sends a Heartbeat to the driver every interval until ctx is
// canceled or w.Shutdown is called, self-shutting-down once lossThreshold
// has elapsed since the last successful heartbeat — spec.md §4.3's
// "grace-period-based self-shutdown on driver unreachability".
func (w *Worker) RunHeartbeat(ctx context.Context, interval, lossThreshold time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	lastOK := time.Now()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case <-ticker.C:
			hctx, cancel := context.WithTimeout(ctx, interval)
			_, err := w.driver.Heartbeat(hctx, &rpcapi.HeartbeatRequest{WorkerID: w.ID})
			cancel()
			if err != nil {
				w.log.Err().Err(err).Log(`heartbeat failed`)
				if time.Since(lastOK) >= lossThreshold {
					w.log.Err().Log(`driver unreachable past loss threshold, shutting down`)
					w.Shutdown()
					return
				}
				continue
			}
			lastOK = time.Now()
		}
	}
}
