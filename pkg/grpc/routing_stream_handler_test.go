package grpc_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	bb_grpc "github.com/toolchainlabs/remexec/pkg/grpc"
	"github.com/toolchainlabs/remexec/pkg/testutil"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

type fakeServerTransportStream struct {
	method string
}

func (s *fakeServerTransportStream) Method() string                 { return s.method }
func (s *fakeServerTransportStream) SetHeader(md metadata.MD) error { return nil }
func (s *fakeServerTransportStream) SendHeader(md metadata.MD) error {
	return nil
}
func (s *fakeServerTransportStream) SetTrailer(md metadata.MD) error { return nil }

type fakeRoutedStream struct {
	grpc.ServerStream
	ctx context.Context
}

func (s *fakeRoutedStream) Context() context.Context {
	return s.ctx
}

func streamForMethod(method string) grpc.ServerStream {
	return &fakeRoutedStream{
		ctx: grpc.NewContextWithServerTransportStream(
			context.Background(),
			&fakeServerTransportStream{method: method}),
	}
}

func TestRoutingStreamHandler(t *testing.T) {
	invoked := ""
	handler := bb_grpc.NewRoutingStreamHandler(map[string]grpc.StreamHandler{
		"build.bazel.remote.execution.v2.Execution": func(srv interface{}, stream grpc.ServerStream) error {
			invoked = "execution"
			return nil
		},
		"google.bytestream.ByteStream": func(srv interface{}, stream grpc.ServerStream) error {
			invoked = "bytestream"
			return nil
		},
	})

	t.Run("KnownService", func(t *testing.T) {
		require.NoError(t, handler(nil, streamForMethod("/google.bytestream.ByteStream/Read")))
		require.Equal(t, "bytestream", invoked)
	})

	t.Run("UnknownService", func(t *testing.T) {
		err := handler(nil, streamForMethod("/google.devtools.build.v1.PublishBuildEvent/PublishBuildToolEventStream"))
		testutil.RequireEqualStatus(t, status.Error(codes.Unimplemented, "No route for service google.devtools.build.v1.PublishBuildEvent"), err)
	})
}
