package rpc

import (
	"context"
	"errors"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/joeycumines/go-qexec/internal/errs"
)

// ToStatus translates an internal/errs taxonomy sentinel into a
// google.golang.org/grpc/codes/status error, per spec.md §7: gRPC-facing
// boundaries translate taxonomy errors to grpc status at the edge, so every
// other package can keep propagating plain errs.* sentinels. nil and
// already-translated errors pass through unchanged.
func ToStatus(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}

	code := codes.Unknown
	switch {
	case errors.Is(err, errs.InvalidArgument), errors.Is(err, errs.InvalidPlan):
		code = codes.InvalidArgument
	case errors.Is(err, errs.NotFound):
		code = codes.NotFound
	case errors.Is(err, errs.Unavailable), errors.Is(err, errs.UpstreamLost):
		code = codes.Unavailable
	case errors.Is(err, errs.Canceled):
		code = codes.Canceled
	case errors.Is(err, errs.Internal):
		code = codes.Internal
	}
	return status.Error(code, err.Error())
}

// UnaryServerInterceptor translates a handler's returned error via ToStatus,
// for the unary RPCs in internal/rpcapi (WorkerControl, DriverControl, and
// ClientGateway's non-streaming methods).
func UnaryServerInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		resp, err := handler(ctx, req)
		if err != nil {
			return resp, ToStatus(err)
		}
		return resp, nil
	}
}

// StreamServerInterceptor translates a handler's returned error via
// ToStatus, for ClientGateway's streaming methods (ExecutePlan,
// ReattachExecute) and Transport.Fetch.
func StreamServerInterceptor() grpc.StreamServerInterceptor {
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		return ToStatus(handler(srv, ss))
	}
}
