package rpcapi

import (
	"context"

	"github.com/joeycumines/go-qexec/internal/rpc"
	"google.golang.org/grpc"
)

// ResponseKind discriminates ExecutePlanResponse's payload, per spec.md
// §4.8's "response_type ∈ {ArrowBatch{row_count, data}, ResultComplete, …}".
// Canceled and Error round out the terminal cases this core's error
// taxonomy and Interrupt operation need.
type ResponseKind int

const (
	ResponseArrowBatch ResponseKind = iota
	ResponseHeartbeat
	ResponseResultComplete
	ResponseCanceled
	ResponseError
)

// ExecutePlanRequest carries spec.md §6's ExecutePlanRequest{session_id,
// user_context{user_id}, operation_id?, plan, tags[], request_options[]}.
// OperationID is client-supplied when reattaching an in-flight submission
// under a stable id; left empty, the dispatcher allocates one.
type ExecutePlanRequest struct {
	SessionID      uint64
	UserID         string
	OperationID    string
	PlanBytes      []byte
	Tags           []string
	Reattachable   bool
	RequestOptions map[string]string
}

// ExecutePlanResponse carries spec.md §6's ExecutePlanResponse{session_id,
// operation_id, response_id, response_type}. Exactly one of Frame/Message is
// meaningful, selected by Kind: Frame for ResponseArrowBatch, Message for
// ResponseError.
type ExecutePlanResponse struct {
	SessionID   uint64
	OperationID string
	ResponseID  uint64
	Kind        ResponseKind
	RowCount    int64
	Frame       *Frame
	Message     string
}

// AnalyzePlanRequest carries plan analysis without execution, per spec.md
// §4.8's AnalyzePlan.
type AnalyzePlanRequest struct {
	SessionID uint64
	UserID    string
	PlanBytes []byte
}

// AnalyzePlanResponse returns the plan's output schema (framed the same way
// a Frame carries a schema-only Arrow IPC message, with no batches) plus a
// human-readable explanation of the physical plan tree.
type AnalyzePlanResponse struct {
	SchemaBytes []byte
	Explain     string
}

// ConfigRequest is spec.md §4.8's Config RPC in its get/set forms: Set nil
// means "get"; a non-nil Set replaces the session's configuration snapshot
// and echoes it back.
type ConfigRequest struct {
	SessionID uint64
	UserID    string
	Set       map[string]string
}

type ConfigResponse struct {
	Entries map[string]string
}

// InterruptRequest cancels live operations, per spec.md §4.8's Interrupt RPC
// ("by id/tag" — this core implements both forms: OperationID cancels that
// one operation and takes precedence when set; Tag is consulted only when
// OperationID is empty, canceling every live operation carrying that tag).
type InterruptRequest struct {
	SessionID   uint64
	UserID      string
	OperationID string
	Tag         string
}

type InterruptResponse struct {
	InterruptedIDs []string
}

// ReattachExecuteRequest resumes a reattachable operation's stream, per
// spec.md §4.8's ReattachExecute(operation_id, last_response_id?).
type ReattachExecuteRequest struct {
	SessionID       uint64
	UserID          string
	OperationID     string
	LastResponseID  uint64
	HasLastResponse bool
}

// ReleaseExecuteRequest permits trimming a reattachable operation's response
// buffer up to UntilResponseID, per spec.md §4.8.
type ReleaseExecuteRequest struct {
	SessionID       uint64
	UserID          string
	OperationID     string
	UntilResponseID uint64
}

type ReleaseExecuteResponse struct{}

// ReleaseSessionRequest explicitly terminates a session, per spec.md §4.8.
type ReleaseSessionRequest struct {
	SessionID uint64
	UserID    string
}

type ReleaseSessionResponse struct{}

// ClientGatewayServer is implemented by internal/dispatch's Dispatcher.
type ClientGatewayServer interface {
	ExecutePlan(*ExecutePlanRequest, ClientGateway_ExecutePlanServer) error
	AnalyzePlan(context.Context, *AnalyzePlanRequest) (*AnalyzePlanResponse, error)
	Config(context.Context, *ConfigRequest) (*ConfigResponse, error)
	Interrupt(context.Context, *InterruptRequest) (*InterruptResponse, error)
	ReattachExecute(*ReattachExecuteRequest, ClientGateway_ReattachExecuteServer) error
	ReleaseExecute(context.Context, *ReleaseExecuteRequest) (*ReleaseExecuteResponse, error)
	ReleaseSession(context.Context, *ReleaseSessionRequest) (*ReleaseSessionResponse, error)
}

// ClientGateway_ExecutePlanServer is the server-streaming handle for one
// ExecutePlan call.
type ClientGateway_ExecutePlanServer interface {
	Send(*ExecutePlanResponse) error
	grpc.ServerStream
}

type clientGatewayExecutePlanServer struct{ grpc.ServerStream }

func (x *clientGatewayExecutePlanServer) Send(m *ExecutePlanResponse) error {
	return x.ServerStream.SendMsg(m)
}

// ClientGateway_ReattachExecuteServer is the server-streaming handle for one
// ReattachExecute call; it carries the same response type as ExecutePlan.
type ClientGateway_ReattachExecuteServer interface {
	Send(*ExecutePlanResponse) error
	grpc.ServerStream
}

type clientGatewayReattachExecuteServer struct{ grpc.ServerStream }

func (x *clientGatewayReattachExecuteServer) Send(m *ExecutePlanResponse) error {
	return x.ServerStream.SendMsg(m)
}

func _ClientGateway_ExecutePlan_Handler(srv any, stream grpc.ServerStream) error {
	m := new(ExecutePlanRequest)
	if err := stream.RecvMsg(m); err != nil {
		return err
	}
	return srv.(ClientGatewayServer).ExecutePlan(m, &clientGatewayExecutePlanServer{ServerStream: stream})
}

func _ClientGateway_ReattachExecute_Handler(srv any, stream grpc.ServerStream) error {
	m := new(ReattachExecuteRequest)
	if err := stream.RecvMsg(m); err != nil {
		return err
	}
	return srv.(ClientGatewayServer).ReattachExecute(m, &clientGatewayReattachExecuteServer{ServerStream: stream})
}

func _ClientGateway_AnalyzePlan_Handler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(AnalyzePlanRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ClientGatewayServer).AnalyzePlan(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/qexec.ClientGateway/AnalyzePlan"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(ClientGatewayServer).AnalyzePlan(ctx, req.(*AnalyzePlanRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func _ClientGateway_Config_Handler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(ConfigRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ClientGatewayServer).Config(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/qexec.ClientGateway/Config"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(ClientGatewayServer).Config(ctx, req.(*ConfigRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func _ClientGateway_Interrupt_Handler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(InterruptRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ClientGatewayServer).Interrupt(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/qexec.ClientGateway/Interrupt"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(ClientGatewayServer).Interrupt(ctx, req.(*InterruptRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func _ClientGateway_ReleaseExecute_Handler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(ReleaseExecuteRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ClientGatewayServer).ReleaseExecute(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/qexec.ClientGateway/ReleaseExecute"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(ClientGatewayServer).ReleaseExecute(ctx, req.(*ReleaseExecuteRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func _ClientGateway_ReleaseSession_Handler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(ReleaseSessionRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ClientGatewayServer).ReleaseSession(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/qexec.ClientGateway/ReleaseSession"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(ClientGatewayServer).ReleaseSession(ctx, req.(*ReleaseSessionRequest))
	}
	return interceptor(ctx, in, info, handler)
}

// ClientGateway_ServiceDesc is registered on both a real *grpc.Server and a
// local-mode *inprocgrpc.Channel, same as Transport_ServiceDesc and
// WorkerControl_ServiceDesc.
var ClientGateway_ServiceDesc = grpc.ServiceDesc{
	ServiceName: "qexec.ClientGateway",
	HandlerType: (*ClientGatewayServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "AnalyzePlan", Handler: _ClientGateway_AnalyzePlan_Handler},
		{MethodName: "Config", Handler: _ClientGateway_Config_Handler},
		{MethodName: "Interrupt", Handler: _ClientGateway_Interrupt_Handler},
		{MethodName: "ReleaseExecute", Handler: _ClientGateway_ReleaseExecute_Handler},
		{MethodName: "ReleaseSession", Handler: _ClientGateway_ReleaseSession_Handler},
	},
	Streams: []grpc.StreamDesc{
		{StreamName: "ExecutePlan", Handler: _ClientGateway_ExecutePlan_Handler, ServerStreams: true},
		{StreamName: "ReattachExecute", Handler: _ClientGateway_ReattachExecute_Handler, ServerStreams: true},
	},
	Metadata: "internal/rpcapi/clientgateway.go",
}

// ClientGatewayClient is the client stub a real Spark-Connect-style client
// (or an integration test) calls through.
type ClientGatewayClient interface {
	ExecutePlan(ctx context.Context, in *ExecutePlanRequest, opts ...grpc.CallOption) (ClientGateway_ExecutePlanClient, error)
	AnalyzePlan(ctx context.Context, in *AnalyzePlanRequest, opts ...grpc.CallOption) (*AnalyzePlanResponse, error)
	Config(ctx context.Context, in *ConfigRequest, opts ...grpc.CallOption) (*ConfigResponse, error)
	Interrupt(ctx context.Context, in *InterruptRequest, opts ...grpc.CallOption) (*InterruptResponse, error)
	ReattachExecute(ctx context.Context, in *ReattachExecuteRequest, opts ...grpc.CallOption) (ClientGateway_ReattachExecuteClient, error)
	ReleaseExecute(ctx context.Context, in *ReleaseExecuteRequest, opts ...grpc.CallOption) (*ReleaseExecuteResponse, error)
	ReleaseSession(ctx context.Context, in *ReleaseSessionRequest, opts ...grpc.CallOption) (*ReleaseSessionResponse, error)
}

type clientGatewayClient struct {
	cc grpc.ClientConnInterface
}

// NewClientGatewayClient wraps cc as a ClientGatewayClient.
func NewClientGatewayClient(cc grpc.ClientConnInterface) ClientGatewayClient {
	return &clientGatewayClient{cc: cc}
}

func (c *clientGatewayClient) ExecutePlan(ctx context.Context, in *ExecutePlanRequest, opts ...grpc.CallOption) (ClientGateway_ExecutePlanClient, error) {
	opts = append([]grpc.CallOption{grpc.CallContentSubtype(rpc.CodecName)}, opts...)
	stream, err := c.cc.NewStream(ctx, &ClientGateway_ServiceDesc.Streams[0], "/qexec.ClientGateway/ExecutePlan", opts...)
	if err != nil {
		return nil, err
	}
	x := &clientGatewayExecutePlanClient{ClientStream: stream}
	if err := x.SendMsg(in); err != nil {
		return nil, err
	}
	if err := x.CloseSend(); err != nil {
		return nil, err
	}
	return x, nil
}

func (c *clientGatewayClient) AnalyzePlan(ctx context.Context, in *AnalyzePlanRequest, opts ...grpc.CallOption) (*AnalyzePlanResponse, error) {
	opts = append([]grpc.CallOption{grpc.CallContentSubtype(rpc.CodecName)}, opts...)
	out := new(AnalyzePlanResponse)
	if err := c.cc.Invoke(ctx, "/qexec.ClientGateway/AnalyzePlan", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *clientGatewayClient) Config(ctx context.Context, in *ConfigRequest, opts ...grpc.CallOption) (*ConfigResponse, error) {
	opts = append([]grpc.CallOption{grpc.CallContentSubtype(rpc.CodecName)}, opts...)
	out := new(ConfigResponse)
	if err := c.cc.Invoke(ctx, "/qexec.ClientGateway/Config", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *clientGatewayClient) Interrupt(ctx context.Context, in *InterruptRequest, opts ...grpc.CallOption) (*InterruptResponse, error) {
	opts = append([]grpc.CallOption{grpc.CallContentSubtype(rpc.CodecName)}, opts...)
	out := new(InterruptResponse)
	if err := c.cc.Invoke(ctx, "/qexec.ClientGateway/Interrupt", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *clientGatewayClient) ReattachExecute(ctx context.Context, in *ReattachExecuteRequest, opts ...grpc.CallOption) (ClientGateway_ReattachExecuteClient, error) {
	opts = append([]grpc.CallOption{grpc.CallContentSubtype(rpc.CodecName)}, opts...)
	stream, err := c.cc.NewStream(ctx, &ClientGateway_ServiceDesc.Streams[1], "/qexec.ClientGateway/ReattachExecute", opts...)
	if err != nil {
		return nil, err
	}
	x := &clientGatewayReattachExecuteClient{ClientStream: stream}
	if err := x.SendMsg(in); err != nil {
		return nil, err
	}
	if err := x.CloseSend(); err != nil {
		return nil, err
	}
	return x, nil
}

func (c *clientGatewayClient) ReleaseExecute(ctx context.Context, in *ReleaseExecuteRequest, opts ...grpc.CallOption) (*ReleaseExecuteResponse, error) {
	opts = append([]grpc.CallOption{grpc.CallContentSubtype(rpc.CodecName)}, opts...)
	out := new(ReleaseExecuteResponse)
	if err := c.cc.Invoke(ctx, "/qexec.ClientGateway/ReleaseExecute", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *clientGatewayClient) ReleaseSession(ctx context.Context, in *ReleaseSessionRequest, opts ...grpc.CallOption) (*ReleaseSessionResponse, error) {
	opts = append([]grpc.CallOption{grpc.CallContentSubtype(rpc.CodecName)}, opts...)
	out := new(ReleaseSessionResponse)
	if err := c.cc.Invoke(ctx, "/qexec.ClientGateway/ReleaseSession", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

// ClientGateway_ExecutePlanClient is the client-side receive half of one
// ExecutePlan call.
type ClientGateway_ExecutePlanClient interface {
	Recv() (*ExecutePlanResponse, error)
	grpc.ClientStream
}

type clientGatewayExecutePlanClient struct{ grpc.ClientStream }

func (x *clientGatewayExecutePlanClient) Recv() (*ExecutePlanResponse, error) {
	m := new(ExecutePlanResponse)
	if err := x.ClientStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

// ClientGateway_ReattachExecuteClient is the client-side receive half of one
// ReattachExecute call.
type ClientGateway_ReattachExecuteClient interface {
	Recv() (*ExecutePlanResponse, error)
	grpc.ClientStream
}

type clientGatewayReattachExecuteClient struct{ grpc.ClientStream }

func (x *clientGatewayReattachExecuteClient) Recv() (*ExecutePlanResponse, error) {
	m := new(ExecutePlanResponse)
	if err := x.ClientStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}
