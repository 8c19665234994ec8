// Command worker runs one worker runtime (C3) process: it registers with
// the driver, serves WorkerControl and Transport over a real gRPC
// listener, and executes tasks the driver dispatches, per spec.md §4.3.
//
// Local execution mode (config.Execution.Mode == "local") never spawns this
// binary at all — the driver hosts an in-process worker directly over
// internal/rpc.NewLocalChannel instead.
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

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/joeycumines/go-qexec/internal/config"
	"github.com/joeycumines/go-qexec/internal/logging"
	"github.com/joeycumines/go-qexec/internal/rpc"
	"github.com/joeycumines/go-qexec/internal/rpcapi"
	"github.com/joeycumines/go-qexec/internal/shuffle"
	"github.com/joeycumines/go-qexec/internal/transport"
	"github.com/joeycumines/go-qexec/internal/worker"
)

func main() {
	var (
		configPath    = flag.String("config", "", "path to a TOML configuration file (optional, overlays defaults)")
		listenAddress = flag.String("listen", "0.0.0.0:0", "address this worker's gRPC listener binds")
		driverAddress = flag.String("driver", "127.0.0.1:17077", "address of the driver's DriverControl endpoint")
		workerID      = flag.Uint64("id", 0, "this worker's id, assigned by the fleet manager")
	)
	flag.Parse()

	log := logging.New(os.Stderr)

	if err := run(*configPath, *listenAddress, *driverAddress, *workerID, log); err != nil {
		log.Err().Err(err).Log(`worker exited with error`)
		os.Exit(1)
	}
}

func run(configPath, listenAddress, driverAddress string, workerID uint64, log *logging.Logger) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("worker: load config: %w", err)
	}

	lis, err := net.Listen("tcp", listenAddress)
	if err != nil {
		return fmt.Errorf("worker: listen on %s: %w", listenAddress, err)
	}

	driverConn, err := grpc.NewClient(driverAddress, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return fmt.Errorf("worker: dial driver %s: %w", driverAddress, err)
	}
	defer driverConn.Close()
	driverClient := rpcapi.NewDriverControlClient(driverConn)

	store := shuffle.New()
	dialer := &netDialer{}
	w := worker.New(workerID, cfg.Cluster.WorkerTaskSlots, worker.DefaultRegistry(), store, dialer, driverClient, log)

	server := grpc.NewServer(
		grpc.ChainUnaryInterceptor(rpc.UnaryServerInterceptor()),
		grpc.ChainStreamInterceptor(rpc.StreamServerInterceptor()),
	)
	server.RegisterService(&rpcapi.WorkerControl_ServiceDesc, w)
	server.RegisterService(&rpcapi.Transport_ServiceDesc, transport.NewServer(store))

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := w.Register(ctx, lis.Addr().String()); err != nil {
		return fmt.Errorf("worker: register with driver: %w", err)
	}

	go w.RunHeartbeat(ctx, cfg.Cluster.HeartbeatInterval, cfg.Cluster.LossThreshold)

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Serve(lis)
	}()

	select {
	case <-ctx.Done():
		log.Info().Log(`shutdown signal received`)
	case <-w.Done():
		log.Info().Log(`worker shut itself down`)
	case err := <-errCh:
		return fmt.Errorf("worker: grpc server: %w", err)
	}

	w.Shutdown()
	server.GracefulStop()
	return nil
}

// netDialer resolves a worker address to a real network Transport client,
// for the multi-hop shuffle-read case (one worker pulling another worker's
// output directly rather than through the driver). Connections are cached
// per address: a task's plan may contain several plan.ShuffleRead leaves
// for the same producing worker, and each one a separate pipeline stage.
type netDialer struct {
	mu    sync.Mutex
	conns map[string]*grpc.ClientConn
}

func (d *netDialer) Dial(ctx context.Context, address string) (rpcapi.TransportClient, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.conns == nil {
		d.conns = make(map[string]*grpc.ClientConn)
	}
	if cc, ok := d.conns[address]; ok {
		return rpcapi.NewTransportClient(cc), nil
	}
	cc, err := grpc.NewClient(address, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("worker: dial %s: %w", address, err)
	}
	d.conns[address] = cc
	return rpcapi.NewTransportClient(cc), nil
}
