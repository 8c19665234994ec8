package fleet

import (
	"context"
	"fmt"
	"sync"

	"github.com/joeycumines/go-qexec/internal/errs"
	"github.com/joeycumines/go-qexec/internal/logging"
	"github.com/joeycumines/go-qexec/internal/rpcapi"
)

// ExternalProvider submits worker descriptors to an external orchestrator
// over rpcapi.OrchestratorClient and polls readiness via the driver's own
// RegisterWorker observations — spec.md §4.6's externally-orchestrated
// implementation, supplementing the distilled spec's "or externally
// orchestrated" with a concrete pluggable interface (SPEC_FULL.md §4.6).
type ExternalProvider struct {
	client        rpcapi.OrchestratorClient
	driverAddress string
	taskSlots     int
	bounds        Bounds
	log           *logging.Logger

	mu     sync.Mutex
	nextID uint64
	live   map[uint64]struct{}
}

// NewExternalProvider constructs an ExternalProvider bound to client.
func NewExternalProvider(client rpcapi.OrchestratorClient, driverAddress string, taskSlots int, bounds Bounds, log *logging.Logger) *ExternalProvider {
	return &ExternalProvider{
		client:        client,
		driverAddress: driverAddress,
		taskSlots:     taskSlots,
		bounds:        bounds,
		log:           logging.With(log, "fleet", "external"),
		live:          make(map[uint64]struct{}),
	}
}

func (p *ExternalProvider) ScaleUp(ctx context.Context, minWorkers int) error {
	target := clampTarget(minWorkers, p.bounds)

	p.mu.Lock()
	var descriptors []rpcapi.WorkerDescriptor
	for len(p.live)+len(descriptors) < target {
		p.nextID++
		id := p.nextID
		p.live[id] = struct{}{}
		descriptors = append(descriptors, rpcapi.WorkerDescriptor{
			WorkerID:      id,
			DriverAddress: p.driverAddress,
			TaskSlots:     p.taskSlots,
		})
	}
	p.mu.Unlock()

	if len(descriptors) == 0 {
		return nil
	}
	if _, err := p.client.ScaleUp(ctx, &rpcapi.ScaleUpRequest{Descriptors: descriptors}); err != nil {
		return fmt.Errorf("fleet: orchestrator scale up: %w", err)
	}
	p.log.Info().Int("requested", len(descriptors)).Log(`requested worker provisioning`)
	return nil
}

func (p *ExternalProvider) Stop(ctx context.Context, workerID uint64) error {
	p.mu.Lock()
	if _, ok := p.live[workerID]; !ok {
		p.mu.Unlock()
		return nil // already gone — idempotent
	}
	if len(p.live) <= p.bounds.Min {
		p.mu.Unlock()
		return fmt.Errorf("fleet: stop worker %d: would drop below minimum %d: %w", workerID, p.bounds.Min, errs.Unavailable)
	}
	p.mu.Unlock()

	if _, err := p.client.Stop(ctx, &rpcapi.StopRequest{WorkerID: workerID}); err != nil {
		return fmt.Errorf("fleet: orchestrator stop worker %d: %w", workerID, err)
	}

	p.mu.Lock()
	delete(p.live, workerID)
	p.mu.Unlock()
	return nil
}

var _ Provider = (*ExternalProvider)(nil)
