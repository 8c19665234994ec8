package rpcapi

import (
	"context"

	"github.com/joeycumines/go-qexec/internal/rpc"
	"google.golang.org/grpc"
)

// ShuffleInputRef resolves one of a task's plan.ShuffleRead leaves to the
// worker address and channel name it must pull from. A single StageID may
// appear more than once (one entry per upstream producer partition feeding
// this task's read).
type ShuffleInputRef struct {
	StageID       int
	Channel       string
	WorkerAddress string
}

// RunTaskRequest carries spec.md §4.3's run_task(task_id, attempt,
// plan_bytes, partition, channel?) directive. Channel is empty for a
// final-stage task (it writes the job's result channel instead of an
// intermediate shuffle channel — internal/worker decides which from the
// plan fragment's root node kind). Consumption mirrors
// internal/stage.ConsumptionMode (0 = single-consumer, 1 = multi-consumer)
// for the channel this task writes — the worker has no other way to learn
// it, since a plan fragment by itself does not carry stage-graph metadata.
type RunTaskRequest struct {
	TaskID      uint64
	Attempt     int
	PlanBytes   []byte
	Partition   int
	Channel     string
	Consumption int
	Inputs      []ShuffleInputRef
	SessionID   uint64
	JobID       uint64
}

// RunTaskResponse acknowledges acceptance; it does not carry completion —
// that arrives asynchronously via DriverControl.ReportStatus.
type RunTaskResponse struct{}

// StopTaskRequest carries spec.md §4.3's stop_task(task_id, attempt).
type StopTaskRequest struct {
	TaskID  uint64
	Attempt int
}

type StopTaskResponse struct{}

// RemoveStreamRequest forwards to the shuffle store's release, per spec.md
// §4.3's remove_stream(channel).
type RemoveStreamRequest struct {
	Channel string
}

type RemoveStreamResponse struct{}

// StopWorkerRequest initiates graceful shutdown, per spec.md §4.3's
// stop_worker().
type StopWorkerRequest struct{}

type StopWorkerResponse struct{}

// WorkerControlServer is implemented by internal/worker's control endpoint.
type WorkerControlServer interface {
	RunTask(context.Context, *RunTaskRequest) (*RunTaskResponse, error)
	StopTask(context.Context, *StopTaskRequest) (*StopTaskResponse, error)
	RemoveStream(context.Context, *RemoveStreamRequest) (*RemoveStreamResponse, error)
	StopWorker(context.Context, *StopWorkerRequest) (*StopWorkerResponse, error)
}

func _WorkerControl_RunTask_Handler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(RunTaskRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(WorkerControlServer).RunTask(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/qexec.WorkerControl/RunTask"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(WorkerControlServer).RunTask(ctx, req.(*RunTaskRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func _WorkerControl_StopTask_Handler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(StopTaskRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(WorkerControlServer).StopTask(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/qexec.WorkerControl/StopTask"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(WorkerControlServer).StopTask(ctx, req.(*StopTaskRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func _WorkerControl_RemoveStream_Handler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(RemoveStreamRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(WorkerControlServer).RemoveStream(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/qexec.WorkerControl/RemoveStream"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(WorkerControlServer).RemoveStream(ctx, req.(*RemoveStreamRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func _WorkerControl_StopWorker_Handler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(StopWorkerRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(WorkerControlServer).StopWorker(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/qexec.WorkerControl/StopWorker"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(WorkerControlServer).StopWorker(ctx, req.(*StopWorkerRequest))
	}
	return interceptor(ctx, in, info, handler)
}

var WorkerControl_ServiceDesc = grpc.ServiceDesc{
	ServiceName: "qexec.WorkerControl",
	HandlerType: (*WorkerControlServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "RunTask", Handler: _WorkerControl_RunTask_Handler},
		{MethodName: "StopTask", Handler: _WorkerControl_StopTask_Handler},
		{MethodName: "RemoveStream", Handler: _WorkerControl_RemoveStream_Handler},
		{MethodName: "StopWorker", Handler: _WorkerControl_StopWorker_Handler},
	},
	Metadata: "internal/rpcapi/workercontrol.go",
}

// WorkerControlClient is the stub the driver scheduler (C5) calls through.
type WorkerControlClient interface {
	RunTask(ctx context.Context, in *RunTaskRequest, opts ...grpc.CallOption) (*RunTaskResponse, error)
	StopTask(ctx context.Context, in *StopTaskRequest, opts ...grpc.CallOption) (*StopTaskResponse, error)
	RemoveStream(ctx context.Context, in *RemoveStreamRequest, opts ...grpc.CallOption) (*RemoveStreamResponse, error)
	StopWorker(ctx context.Context, in *StopWorkerRequest, opts ...grpc.CallOption) (*StopWorkerResponse, error)
}

type workerControlClient struct {
	cc grpc.ClientConnInterface
}

func NewWorkerControlClient(cc grpc.ClientConnInterface) WorkerControlClient {
	return &workerControlClient{cc: cc}
}

func (c *workerControlClient) RunTask(ctx context.Context, in *RunTaskRequest, opts ...grpc.CallOption) (*RunTaskResponse, error) {
	opts = append([]grpc.CallOption{grpc.CallContentSubtype(rpc.CodecName)}, opts...)
	out := new(RunTaskResponse)
	if err := c.cc.Invoke(ctx, "/qexec.WorkerControl/RunTask", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *workerControlClient) StopTask(ctx context.Context, in *StopTaskRequest, opts ...grpc.CallOption) (*StopTaskResponse, error) {
	opts = append([]grpc.CallOption{grpc.CallContentSubtype(rpc.CodecName)}, opts...)
	out := new(StopTaskResponse)
	if err := c.cc.Invoke(ctx, "/qexec.WorkerControl/StopTask", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *workerControlClient) RemoveStream(ctx context.Context, in *RemoveStreamRequest, opts ...grpc.CallOption) (*RemoveStreamResponse, error) {
	opts = append([]grpc.CallOption{grpc.CallContentSubtype(rpc.CodecName)}, opts...)
	out := new(RemoveStreamResponse)
	if err := c.cc.Invoke(ctx, "/qexec.WorkerControl/RemoveStream", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *workerControlClient) StopWorker(ctx context.Context, in *StopWorkerRequest, opts ...grpc.CallOption) (*StopWorkerResponse, error) {
	opts = append([]grpc.CallOption{grpc.CallContentSubtype(rpc.CodecName)}, opts...)
	out := new(StopWorkerResponse)
	if err := c.cc.Invoke(ctx, "/qexec.WorkerControl/StopWorker", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}
