package fleet

import (
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"sync"
	"syscall"

	"github.com/joeycumines/go-qexec/internal/errs"
	"github.com/joeycumines/go-qexec/internal/idgen"
	"github.com/joeycumines/go-qexec/internal/logging"
)

// LocalProvider forks cmd/worker as a child process per provisioned worker,
// passing the driver's bind address — spec.md §4.6's local-process
// implementation. No pack library wraps local OS process supervision more
// specifically than os/exec; this is a justified standard-library boundary
// case (see DESIGN.md).
type LocalProvider struct {
	binaryPath    string
	configPath    string
	driverAddress string
	taskSlots     int
	bounds        Bounds
	log           *logging.Logger

	mu      sync.Mutex
	ids     idgen.Set
	workers map[uint64]*exec.Cmd
}

// NewLocalProvider constructs a LocalProvider. binaryPath is the built
// cmd/worker executable; configPath is forwarded to each worker's -config
// flag (may be empty, per config.Load's "path is optional" contract).
func NewLocalProvider(binaryPath, configPath, driverAddress string, taskSlots int, bounds Bounds, log *logging.Logger) *LocalProvider {
	return &LocalProvider{
		binaryPath:    binaryPath,
		configPath:    configPath,
		driverAddress: driverAddress,
		taskSlots:     taskSlots,
		bounds:        bounds,
		log:           logging.With(log, "fleet", "local"),
		workers:       make(map[uint64]*exec.Cmd),
	}
}

func (p *LocalProvider) ScaleUp(ctx context.Context, minWorkers int) error {
	target := clampTarget(minWorkers, p.bounds)

	p.mu.Lock()
	defer p.mu.Unlock()

	for len(p.workers) < target {
		id := uint64(p.ids.NextWorker())
		args := []string{
			"-driver", p.driverAddress,
			"-listen", "0.0.0.0:0",
			"-id", strconv.FormatUint(id, 10),
		}
		if p.configPath != "" {
			args = append(args, "-config", p.configPath)
		}

		cmd := exec.CommandContext(ctx, p.binaryPath, args...)
		cmd.Stdout = nil
		cmd.Stderr = nil
		if err := cmd.Start(); err != nil {
			return fmt.Errorf("fleet: start worker %d: %w", id, err)
		}
		p.workers[id] = cmd
		p.log.Info().Uint64("worker_id", id).Log(`spawned worker process`)

		go func(id uint64, cmd *exec.Cmd) {
			if err := cmd.Wait(); err != nil {
				p.log.Err().Err(err).Uint64("worker_id", id).Log(`worker process exited`)
			}
			p.mu.Lock()
			delete(p.workers, id)
			p.mu.Unlock()
		}(id, cmd)
	}
	return nil
}

func (p *LocalProvider) Stop(ctx context.Context, workerID uint64) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	cmd, ok := p.workers[workerID]
	if !ok {
		return nil // already gone — idempotent, per spec.md §4.5's "Idempotence" rule
	}
	if len(p.workers) <= p.bounds.Min {
		return fmt.Errorf("fleet: stop worker %d: would drop below minimum %d: %w", workerID, p.bounds.Min, errs.Unavailable)
	}
	if cmd.Process == nil {
		return nil
	}
	if err := cmd.Process.Signal(syscall.SIGTERM); err != nil {
		return fmt.Errorf("fleet: signal worker %d: %w", workerID, err)
	}
	return nil
}

// LiveCount reports how many worker processes this provider currently
// tracks as running.
func (p *LocalProvider) LiveCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.workers)
}

var _ Provider = (*LocalProvider)(nil)
