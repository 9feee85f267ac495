package util_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/toolchainlabs/remexec/pkg/util"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func TestStatusWrap(t *testing.T) {
	base := status.Error(codes.NotFound, "Blob not found")

	wrapped := util.StatusWrap(base, "Failed to load action")
	s := status.Convert(wrapped)
	require.Equal(t, codes.NotFound, s.Code())
	require.Equal(t, "Failed to load action: Blob not found", s.Message())

	recoded := util.StatusWrapWithCode(base, codes.FailedPrecondition, "Cache entry is unusable")
	s = status.Convert(recoded)
	require.Equal(t, codes.FailedPrecondition, s.Code())
	require.Equal(t, "Cache entry is unusable: Blob not found", s.Message())
}

func TestStatusFromContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, util.StatusFromContext(ctx))

	cancel()
	require.Equal(t, status.Error(codes.Canceled, "context canceled"), util.StatusFromContext(ctx))
}
