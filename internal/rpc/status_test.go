package rpc_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/joeycumines/go-qexec/internal/errs"
	"github.com/joeycumines/go-qexec/internal/rpc"
)

func TestToStatus_MapsTaxonomySentinels(t *testing.T) {
	cases := []struct {
		name string
		err  error
		code codes.Code
	}{
		{"invalid argument", fmt.Errorf("dispatch: %w", errs.InvalidArgument), codes.InvalidArgument},
		{"invalid plan", fmt.Errorf("dispatch: %w", errs.InvalidPlan), codes.InvalidArgument},
		{"not found", fmt.Errorf("shuffle: %w", errs.NotFound), codes.NotFound},
		{"unavailable", fmt.Errorf("scheduler: %w", errs.Unavailable), codes.Unavailable},
		{"upstream lost", fmt.Errorf("transport: %w", errs.UpstreamLost), codes.Unavailable},
		{"canceled", fmt.Errorf("session: %w", errs.Canceled), codes.Canceled},
		{"internal", fmt.Errorf("worker: %w", errs.Internal), codes.Internal},
		{"unclassified", errors.New("boom"), codes.Unknown},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			got := rpc.ToStatus(c.err)
			st, ok := status.FromError(got)
			require.True(t, ok)
			assert.Equal(t, c.code, st.Code())
			assert.Equal(t, c.err.Error(), st.Message())
		})
	}
}

func TestToStatus_Nil(t *testing.T) {
	assert.NoError(t, rpc.ToStatus(nil))
}

func TestToStatus_AlreadyTranslated_PassesThrough(t *testing.T) {
	original := status.Error(codes.ResourceExhausted, "already a status")
	assert.Equal(t, original, rpc.ToStatus(original))
}
