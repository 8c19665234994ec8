package rpc

import (
	inprocgrpc "github.com/joeycumines/go-inprocgrpc"
)

// Submitter is the subset of *actor.Actor's loop access a local Channel
// needs — satisfied by (*actor.Actor).AsSubmitter().
type Submitter interface {
	Submit(func()) error
	SubmitInternal(func()) error
}

// NewLocalChannel builds the in-process gRPC channel used for
// execution.mode == "local" (spec.md §6): every rpcapi service is
// registered on it via Channel.RegisterService, and the driver's own client
// stubs call through Channel.Invoke/NewStream instead of dialing a real
// network listener, collapsing the driver-worker hop to a plain function
// call on loop's goroutine.
//
// The gob codec this package registers is reused as the Channel's Cloner
// (inprocgrpc.CodecCloner): because client and server share one process,
// in-process messages must still be deep-copied to prevent the caller and
// callee from mutating the same struct concurrently, and gob round-tripping
// is a correct (if not maximally fast) deep copy for any internal/rpcapi
// struct, including maps and slices.
//
// The same UnaryServerInterceptor/StreamServerInterceptor a real listener
// gets via grpc.ChainUnaryInterceptor/ChainStreamInterceptor are installed
// here too, so local mode's error taxonomy translates to grpc status at the
// same boundary real network clients see it at, per spec.md §7.
func NewLocalChannel(loop Submitter) *inprocgrpc.Channel {
	return inprocgrpc.NewChannel(
		inprocgrpc.WithLoop(loop),
		inprocgrpc.WithCloner(inprocgrpc.CodecCloner(gobCodec{})),
		inprocgrpc.WithServerUnaryInterceptor(UnaryServerInterceptor()),
		inprocgrpc.WithServerStreamInterceptor(StreamServerInterceptor()),
	)
}
