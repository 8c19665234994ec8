package rpcapi

import (
	"context"

	"github.com/joeycumines/go-qexec/internal/rpc"
	"google.golang.org/grpc"
)

// WorkerDescriptor is what the fleet manager hands an external orchestrator
// (or, for the local-process provider, encodes as command-line flags): the
// identity and bootstrap parameters a newly-provisioned worker needs, per
// spec.md §4.6's "passing the driver's bind address".
type WorkerDescriptor struct {
	WorkerID      uint64
	DriverAddress string
	TaskSlots     int
}

// ScaleUpRequest carries spec.md §4.6's scale_up(min_workers): provision
// enough workers that at least Descriptors' count are requested to reach
// Running. Best-effort — the orchestrator may return before any of them are
// actually up; the driver scheduler learns readiness from RegisterWorker.
type ScaleUpRequest struct {
	Descriptors []WorkerDescriptor
}

type ScaleUpResponse struct{}

// StopRequest carries spec.md §4.6's stop(worker_id): initiate a graceful
// stop of one previously-provisioned worker.
type StopRequest struct {
	WorkerID uint64
}

type StopResponse struct{}

// OrchestratorClient is the external-orchestrated fleet.Provider's pluggable
// collaborator (SPEC_FULL.md §4.6, supplementing spec.md's "or externally
// orchestrated" with a concrete interface since no specific orchestrator SDK
// is in scope). A real deployment implements this against Kubernetes, Nomad,
// or similar; internal/fleet only depends on the interface.
type OrchestratorClient interface {
	ScaleUp(ctx context.Context, in *ScaleUpRequest, opts ...grpc.CallOption) (*ScaleUpResponse, error)
	Stop(ctx context.Context, in *StopRequest, opts ...grpc.CallOption) (*StopResponse, error)
}

type orchestratorClient struct {
	cc grpc.ClientConnInterface
}

// NewOrchestratorClient wraps a real gRPC connection to an external
// orchestrator endpoint.
func NewOrchestratorClient(cc grpc.ClientConnInterface) OrchestratorClient {
	return &orchestratorClient{cc: cc}
}

func (c *orchestratorClient) ScaleUp(ctx context.Context, in *ScaleUpRequest, opts ...grpc.CallOption) (*ScaleUpResponse, error) {
	opts = append([]grpc.CallOption{grpc.CallContentSubtype(rpc.CodecName)}, opts...)
	out := new(ScaleUpResponse)
	if err := c.cc.Invoke(ctx, "/qexec.Orchestrator/ScaleUp", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *orchestratorClient) Stop(ctx context.Context, in *StopRequest, opts ...grpc.CallOption) (*StopResponse, error) {
	opts = append([]grpc.CallOption{grpc.CallContentSubtype(rpc.CodecName)}, opts...)
	out := new(StopResponse)
	if err := c.cc.Invoke(ctx, "/qexec.Orchestrator/Stop", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}
