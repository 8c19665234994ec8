package rpcapi

import (
	"context"

	"github.com/joeycumines/go-qexec/internal/rpc"
	"google.golang.org/grpc"
)

// RegisterWorkerRequest is the initial handshake a worker process sends the
// driver on startup (spec.md §4.6's fleet manager provisions the worker;
// the worker then announces itself so C5 can admit it into the schedule
// cycle).
type RegisterWorkerRequest struct {
	WorkerID  uint64
	TaskSlots int
	Address   string
}

type RegisterWorkerResponse struct{}

// StatusUpdate carries spec.md §4.3's per-task status report:
// (task, attempt, status, optional message, optional error, monotonic
// sequence). Sequence is per-worker-global and strictly increasing; the
// driver drops stale reports by (TaskID, Attempt, Sequence).
type StatusUpdate struct {
	WorkerID uint64
	TaskID   uint64
	Attempt  int
	Status   string
	Message  string
	Error    string
	Sequence uint64
}

type StatusAck struct{}

// HeartbeatRequest is the periodic liveness message carrying the worker id,
// per spec.md §4.3's heartbeat.
type HeartbeatRequest struct {
	WorkerID uint64
}

type HeartbeatResponse struct{}

// DriverControlServer is implemented by internal/scheduler's (C5) worker-
// facing endpoint.
type DriverControlServer interface {
	RegisterWorker(context.Context, *RegisterWorkerRequest) (*RegisterWorkerResponse, error)
	ReportStatus(context.Context, *StatusUpdate) (*StatusAck, error)
	Heartbeat(context.Context, *HeartbeatRequest) (*HeartbeatResponse, error)
}

func _DriverControl_RegisterWorker_Handler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(RegisterWorkerRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(DriverControlServer).RegisterWorker(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/qexec.DriverControl/RegisterWorker"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(DriverControlServer).RegisterWorker(ctx, req.(*RegisterWorkerRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func _DriverControl_ReportStatus_Handler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(StatusUpdate)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(DriverControlServer).ReportStatus(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/qexec.DriverControl/ReportStatus"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(DriverControlServer).ReportStatus(ctx, req.(*StatusUpdate))
	}
	return interceptor(ctx, in, info, handler)
}

func _DriverControl_Heartbeat_Handler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(HeartbeatRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(DriverControlServer).Heartbeat(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/qexec.DriverControl/Heartbeat"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(DriverControlServer).Heartbeat(ctx, req.(*HeartbeatRequest))
	}
	return interceptor(ctx, in, info, handler)
}

var DriverControl_ServiceDesc = grpc.ServiceDesc{
	ServiceName: "qexec.DriverControl",
	HandlerType: (*DriverControlServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "RegisterWorker", Handler: _DriverControl_RegisterWorker_Handler},
		{MethodName: "ReportStatus", Handler: _DriverControl_ReportStatus_Handler},
		{MethodName: "Heartbeat", Handler: _DriverControl_Heartbeat_Handler},
	},
	Metadata: "internal/rpcapi/drivercontrol.go",
}

// DriverControlClient is the stub each worker calls through to register,
// report task status, and send heartbeats.
type DriverControlClient interface {
	RegisterWorker(ctx context.Context, in *RegisterWorkerRequest, opts ...grpc.CallOption) (*RegisterWorkerResponse, error)
	ReportStatus(ctx context.Context, in *StatusUpdate, opts ...grpc.CallOption) (*StatusAck, error)
	Heartbeat(ctx context.Context, in *HeartbeatRequest, opts ...grpc.CallOption) (*HeartbeatResponse, error)
}

type driverControlClient struct {
	cc grpc.ClientConnInterface
}

func NewDriverControlClient(cc grpc.ClientConnInterface) DriverControlClient {
	return &driverControlClient{cc: cc}
}

func (c *driverControlClient) RegisterWorker(ctx context.Context, in *RegisterWorkerRequest, opts ...grpc.CallOption) (*RegisterWorkerResponse, error) {
	opts = append([]grpc.CallOption{grpc.CallContentSubtype(rpc.CodecName)}, opts...)
	out := new(RegisterWorkerResponse)
	if err := c.cc.Invoke(ctx, "/qexec.DriverControl/RegisterWorker", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *driverControlClient) ReportStatus(ctx context.Context, in *StatusUpdate, opts ...grpc.CallOption) (*StatusAck, error) {
	opts = append([]grpc.CallOption{grpc.CallContentSubtype(rpc.CodecName)}, opts...)
	out := new(StatusAck)
	if err := c.cc.Invoke(ctx, "/qexec.DriverControl/ReportStatus", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *driverControlClient) Heartbeat(ctx context.Context, in *HeartbeatRequest, opts ...grpc.CallOption) (*HeartbeatResponse, error) {
	opts = append([]grpc.CallOption{grpc.CallContentSubtype(rpc.CodecName)}, opts...)
	out := new(HeartbeatResponse)
	if err := c.cc.Invoke(ctx, "/qexec.DriverControl/Heartbeat", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}
