// Package rpcapi hand-writes the gRPC service definitions this system needs
// (Transport for C1, WorkerControl for C3, DriverControl/ClientGateway for
// C8), in the exact shape protoc-gen-go-grpc itself emits — a thin, stable
// wrapper over grpc.ServiceDesc/grpc.ServerStream/grpc.ClientConnInterface —
// since no protoc invocation is available in this environment. Control
// messages are plain Go structs marshaled by internal/rpc's gob codec;
// record batches never pass through this codec, they are framed as Arrow
// IPC messages directly on the stream body (see internal/batch).
package rpcapi

import (
	"context"

	"github.com/joeycumines/go-qexec/internal/rpc"
	"google.golang.org/grpc"
)

// FetchRequest names the shuffle-store channel to stream, per spec.md
// §4.1's fetch(channel) operation.
type FetchRequest struct {
	Channel string
}

// Frame is one length-delimited slice of the underlying Arrow IPC byte
// stream: the schema message first, then one message per record batch.
// internal/transport is responsible for splitting/reassembling these
// against an ipc.Writer/ipc.Reader; this type only carries the opaque
// bytes across the wire.
type Frame struct {
	Data []byte
}

// ReleaseRequest names the channel to release, per spec.md §4.1's
// release(channel) operation — the consumer is done, producer-side
// resources for the channel can be freed once any other readers finish.
type ReleaseRequest struct {
	Channel string
}

// ReleaseResponse is an empty acknowledgement.
type ReleaseResponse struct{}

// TransportServer is implemented by internal/transport's server side.
type TransportServer interface {
	Fetch(*FetchRequest, Transport_FetchServer) error
	Release(context.Context, *ReleaseRequest) (*ReleaseResponse, error)
}

// Transport_FetchServer is the server-streaming handle for one Fetch call.
type Transport_FetchServer interface {
	Send(*Frame) error
	grpc.ServerStream
}

type transportFetchServer struct {
	grpc.ServerStream
}

func (x *transportFetchServer) Send(f *Frame) error {
	return x.ServerStream.SendMsg(f)
}

func _Transport_Fetch_Handler(srv any, stream grpc.ServerStream) error {
	m := new(FetchRequest)
	if err := stream.RecvMsg(m); err != nil {
		return err
	}
	return srv.(TransportServer).Fetch(m, &transportFetchServer{ServerStream: stream})
}

func _Transport_Release_Handler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(ReleaseRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(TransportServer).Release(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/qexec.Transport/Release"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(TransportServer).Release(ctx, req.(*ReleaseRequest))
	}
	return interceptor(ctx, in, info, handler)
}

// Transport_ServiceDesc is registered on both a real *grpc.Server and a
// local-mode *inprocgrpc.Channel (internal/rpc.NewLocalChannel) via
// RegisterService — the same descriptor drives both transports.
var Transport_ServiceDesc = grpc.ServiceDesc{
	ServiceName: "qexec.Transport",
	HandlerType: (*TransportServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Release", Handler: _Transport_Release_Handler},
	},
	Streams: []grpc.StreamDesc{
		{StreamName: "Fetch", Handler: _Transport_Fetch_Handler, ServerStreams: true},
	},
	Metadata: "internal/rpcapi/transport.go",
}

// TransportClient is the client stub internal/transport's puller calls
// through, whether cc is a real *grpc.ClientConn or an in-process Channel.
type TransportClient interface {
	Fetch(ctx context.Context, in *FetchRequest, opts ...grpc.CallOption) (Transport_FetchClient, error)
	Release(ctx context.Context, in *ReleaseRequest, opts ...grpc.CallOption) (*ReleaseResponse, error)
}

type transportClient struct {
	cc grpc.ClientConnInterface
}

// NewTransportClient wraps cc (a *grpc.ClientConn for a real network
// connection, or an *inprocgrpc.Channel for local execution mode) as a
// TransportClient.
func NewTransportClient(cc grpc.ClientConnInterface) TransportClient {
	return &transportClient{cc: cc}
}

func (c *transportClient) Fetch(ctx context.Context, in *FetchRequest, opts ...grpc.CallOption) (Transport_FetchClient, error) {
	opts = append([]grpc.CallOption{grpc.CallContentSubtype(rpc.CodecName)}, opts...)
	stream, err := c.cc.NewStream(ctx, &Transport_ServiceDesc.Streams[0], "/qexec.Transport/Fetch", opts...)
	if err != nil {
		return nil, err
	}
	x := &transportFetchClient{ClientStream: stream}
	if err := x.SendMsg(in); err != nil {
		return nil, err
	}
	if err := x.CloseSend(); err != nil {
		return nil, err
	}
	return x, nil
}

func (c *transportClient) Release(ctx context.Context, in *ReleaseRequest, opts ...grpc.CallOption) (*ReleaseResponse, error) {
	opts = append([]grpc.CallOption{grpc.CallContentSubtype(rpc.CodecName)}, opts...)
	out := new(ReleaseResponse)
	if err := c.cc.Invoke(ctx, "/qexec.Transport/Release", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

// Transport_FetchClient is the client-side receive half of one Fetch call.
type Transport_FetchClient interface {
	Recv() (*Frame, error)
	grpc.ClientStream
}

type transportFetchClient struct {
	grpc.ClientStream
}

func (x *transportFetchClient) Recv() (*Frame, error) {
	m := new(Frame)
	if err := x.ClientStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}
