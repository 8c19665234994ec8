// Package fleet implements the worker fleet manager (C6): an opaque
// provider interface with scale_up/stop operations, and two
// implementations — local-process (os/exec) and external-orchestrated
// (a pluggable gRPC OrchestratorClient) — per spec.md §4.6.
package fleet

import (
	"context"
)

// Provider is the opaque fleet abstraction spec.md §4.6 describes: the
// driver scheduler (C5) never assumes a scale_up or stop call succeeded
// synchronously — it waits for the worker's own RegisterWorker call (scale
// up) or its heartbeat simply stopping (stop) to confirm the effect.
type Provider interface {
	// ScaleUp requests enough workers be provisioned that at least
	// minWorkers are live, clipped to the provider's configured bounds.
	// Best-effort: may return before any newly-requested worker reaches
	// Running.
	ScaleUp(ctx context.Context, minWorkers int) error
	// Stop initiates a graceful stop of workerID. Refuses (returns
	// errs.Unavailable) if doing so would take the live count below the
	// configured minimum, per spec.md §4.6's floor.
	Stop(ctx context.Context, workerID uint64) error
}

// Bounds is the min/max live-worker window every Provider enforces, per
// spec.md §6's `cluster.worker_initial_count`/`worker_max_count`.
type Bounds struct {
	Min int
	Max int
}

func clampTarget(requested int, b Bounds) int {
	target := requested
	if target < b.Min {
		target = b.Min
	}
	if target > b.Max {
		target = b.Max
	}
	return target
}
