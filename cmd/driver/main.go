// Command driver runs the driver scheduler (C5), session core (C7), and
// request dispatcher (C8) in one process, per spec.md §4.5/§4.7/§4.8.
//
// In execution.mode == "cluster" it listens on a real network address for
// both worker registrations (DriverControlServer) and client requests
// (ClientGatewayServer), and provisions workers as separate cmd/worker
// processes via internal/fleet.LocalProvider. In execution.mode == "local"
// it instead hosts a single worker in the same process, wired through
// internal/rpc.NewLocalChannel — no subprocess, no real worker-facing
// listener — while still serving ClientGatewayServer for real clients.
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"sync"
	"syscall"

	inprocgrpc "github.com/joeycumines/go-inprocgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/joeycumines/go-qexec/internal/actor"
	"github.com/joeycumines/go-qexec/internal/config"
	"github.com/joeycumines/go-qexec/internal/dispatch"
	"github.com/joeycumines/go-qexec/internal/fleet"
	"github.com/joeycumines/go-qexec/internal/logging"
	"github.com/joeycumines/go-qexec/internal/rpc"
	"github.com/joeycumines/go-qexec/internal/rpcapi"
	"github.com/joeycumines/go-qexec/internal/scheduler"
	"github.com/joeycumines/go-qexec/internal/session"
	"github.com/joeycumines/go-qexec/internal/shuffle"
	"github.com/joeycumines/go-qexec/internal/transport"
	"github.com/joeycumines/go-qexec/internal/worker"
)

func main() {
	var (
		configPath       = flag.String("config", "", "path to a TOML configuration file (optional, overlays defaults)")
		listenAddress    = flag.String("listen", "0.0.0.0:17077", "address the ClientGateway (and, in cluster mode, DriverControl) endpoint binds")
		workerBinaryPath = flag.String("worker-binary", "", "path to a built cmd/worker executable (cluster mode only)")
	)
	flag.Parse()

	log := logging.New(os.Stderr)

	if err := run(*configPath, *listenAddress, *workerBinaryPath, log); err != nil {
		log.Err().Err(err).Log(`driver exited with error`)
		os.Exit(1)
	}
}

func run(configPath, listenAddress, workerBinaryPath string, log *logging.Logger) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("driver: load config: %w", err)
	}

	lis, err := net.Listen("tcp", listenAddress)
	if err != nil {
		return fmt.Errorf("driver: listen on %s: %w", listenAddress, err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	server := grpc.NewServer(
		grpc.MaxRecvMsgSize(cfg.RPC.MaxRecvMsgSize),
		grpc.ChainUnaryInterceptor(rpc.UnaryServerInterceptor()),
		grpc.ChainStreamInterceptor(rpc.StreamServerInterceptor()),
	)

	var stopWorkers func()
	switch cfg.Execution.Mode {
	case config.ModeCluster:
		stopWorkers, err = wireCluster(ctx, cfg, server, workerBinaryPath, listenAddress, log)
	default:
		stopWorkers, err = wireLocal(ctx, cfg, server, log)
	}
	if err != nil {
		return err
	}
	defer stopWorkers()

	errCh := make(chan error, 1)
	go func() { errCh <- server.Serve(lis) }()

	select {
	case <-ctx.Done():
		log.Info().Log(`shutdown signal received`)
	case err := <-errCh:
		return fmt.Errorf("driver: grpc server: %w", err)
	}

	server.GracefulStop()
	return nil
}

// schedulerConfig translates config.Config's cluster/retry groups into
// scheduler.Config, per spec.md §6's key table.
func schedulerConfig(cfg config.Config) scheduler.Config {
	return scheduler.Config{
		LossThreshold:     cfg.Cluster.LossThreshold,
		IdleThreshold:     cfg.Cluster.IdleThreshold,
		MaxAttempts:       cfg.Retry.MaxAttempts,
		ResultBufferDepth: cfg.Reattach.BufferCapacity,
	}
}

// wireDispatcher assembles the session store and request dispatcher common
// to both execution modes, and starts their actor loops.
func wireDispatcher(ctx context.Context, cfg config.Config, sched *scheduler.Scheduler, server *grpc.Server, log *logging.Logger) (func(), error) {
	factory, runners := dispatch.NewRunnerFactory(sched, log)

	store, err := session.New(log, cfg.Session.IdleTimeout, nil, factory)
	if err != nil {
		return nil, fmt.Errorf("driver: new session store: %w", err)
	}

	d := dispatch.NewWithStore(store, sched, runners, cfg.Reattach.BufferCapacity, cfg.Reattach.HeartbeatInterval, log)

	server.RegisterService(&rpcapi.ClientGateway_ServiceDesc, d)
	server.RegisterService(&rpcapi.DriverControl_ServiceDesc, sched)

	schedDone := make(chan error, 1)
	go func() { schedDone <- sched.Run(ctx) }()
	storeDone := make(chan error, 1)
	go func() { storeDone <- store.Run(ctx) }()

	return func() {
		shutdownCtx := context.Background()
		_ = store.Shutdown(shutdownCtx)
		_ = sched.Shutdown(shutdownCtx)
		<-schedDone
		<-storeDone
	}, nil
}

// wireCluster builds the cluster-mode scheduler: real network dialers to
// worker processes, and a fleet.LocalProvider spawning cmd/worker as a
// child process per provisioned worker, per spec.md §4.6.
func wireCluster(ctx context.Context, cfg config.Config, server *grpc.Server, workerBinaryPath, driverListenAddress string, log *logging.Logger) (func(), error) {
	if workerBinaryPath == "" {
		return nil, fmt.Errorf("driver: cluster mode requires -worker-binary")
	}

	pool := newConnPool()
	bounds := fleet.Bounds{Min: cfg.Cluster.WorkerInitialCount, Max: cfg.Cluster.WorkerMaxCount}
	provider := fleet.NewLocalProvider(workerBinaryPath, "", driverListenAddress, cfg.Cluster.WorkerTaskSlots, bounds, log)

	sched, err := scheduler.New(provider, netControlDialer{pool}, netTransportDialer{pool}, schedulerConfig(cfg), log)
	if err != nil {
		return nil, fmt.Errorf("driver: new scheduler: %w", err)
	}

	return wireDispatcher(ctx, cfg, sched, server, log)
}

// wireLocal builds the local-mode scheduler: a single in-process worker
// talking to the driver over internal/rpc.NewLocalChannel, with no
// subprocess and no real worker-facing listener, per spec.md §6's
// execution.mode == "local".
func wireLocal(ctx context.Context, cfg config.Config, server *grpc.Server, log *logging.Logger) (func(), error) {
	loopActor, err := actor.New("localchannel", "", log)
	if err != nil {
		return nil, fmt.Errorf("driver: new local channel actor: %w", err)
	}
	loopDone := make(chan error, 1)
	go func() { loopDone <- loopActor.Run(ctx) }()

	channel := rpc.NewLocalChannel(loopActor.AsSubmitter())

	provider := &fixedLocalProvider{}

	transportDialer := channelTransportDialer{channel: channel}
	sched, err := scheduler.New(provider, channelControlDialer{channel: channel}, transportDialer, schedulerConfig(cfg), log)
	if err != nil {
		return nil, fmt.Errorf("driver: new scheduler: %w", err)
	}

	store := shuffle.New()
	driverClient := rpcapi.NewDriverControlClient(channel)
	w := worker.New(1, cfg.Cluster.WorkerTaskSlots, worker.DefaultRegistry(), store, transportDialer, driverClient, log)

	channel.RegisterService(&rpcapi.WorkerControl_ServiceDesc, w)
	channel.RegisterService(&rpcapi.Transport_ServiceDesc, transport.NewServer(store))

	if err := w.Register(ctx, "local"); err != nil {
		return nil, fmt.Errorf("driver: register in-process worker: %w", err)
	}
	go w.RunHeartbeat(ctx, cfg.Cluster.HeartbeatInterval, cfg.Cluster.LossThreshold)

	stop, err := wireDispatcher(ctx, cfg, sched, server, log)
	if err != nil {
		return nil, err
	}

	return func() {
		stop()
		w.Shutdown()
		<-loopDone
	}, nil
}

// fixedLocalProvider is the execution.mode == "local" fleet.Provider: the
// one in-process worker is always running, so scale-up/stop are no-ops
// rather than delegating to os/exec or an orchestrator.
type fixedLocalProvider struct{}

func (fixedLocalProvider) ScaleUp(context.Context, int) error { return nil }
func (fixedLocalProvider) Stop(context.Context, uint64) error { return nil }

// channelControlDialer and channelTransportDialer resolve every address to
// the same in-process channel — execution.mode == "local" has exactly one
// worker, so the address argument (always "local") is ignored. Split into
// two types because scheduler.ControlDialer's Dial(address) and
// scheduler.TransportDialer/worker.Dialer's Dial(ctx, address) are
// different method signatures under the same name, which Go cannot
// overload on one receiver type.
type channelControlDialer struct {
	channel *inprocgrpc.Channel
}

func (d channelControlDialer) Dial(address string) (rpcapi.WorkerControlClient, error) {
	return rpcapi.NewWorkerControlClient(d.channel), nil
}

type channelTransportDialer struct {
	channel *inprocgrpc.Channel
}

func (d channelTransportDialer) Dial(ctx context.Context, address string) (rpcapi.TransportClient, error) {
	return rpcapi.NewTransportClient(d.channel), nil
}

// connPool dials a worker's real network address at most once, caching the
// *grpc.ClientConn — mirrors cmd/worker's own netDialer, split the same way
// channelControlDialer/channelTransportDialer are so netControlDialer and
// netTransportDialer can each carry the one Dial signature their interface
// needs.
type connPool struct {
	mu    sync.Mutex
	conns map[string]*grpc.ClientConn
}

func newConnPool() *connPool { return &connPool{conns: make(map[string]*grpc.ClientConn)} }

func (p *connPool) conn(address string) (*grpc.ClientConn, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if cc, ok := p.conns[address]; ok {
		return cc, nil
	}
	cc, err := grpc.NewClient(address, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("driver: dial %s: %w", address, err)
	}
	p.conns[address] = cc
	return cc, nil
}

type netControlDialer struct{ pool *connPool }

func (d netControlDialer) Dial(address string) (rpcapi.WorkerControlClient, error) {
	cc, err := d.pool.conn(address)
	if err != nil {
		return nil, err
	}
	return rpcapi.NewWorkerControlClient(cc), nil
}

type netTransportDialer struct{ pool *connPool }

func (d netTransportDialer) Dial(ctx context.Context, address string) (rpcapi.TransportClient, error) {
	cc, err := d.pool.conn(address)
	if err != nil {
		return nil, err
	}
	return rpcapi.NewTransportClient(cc), nil
}
