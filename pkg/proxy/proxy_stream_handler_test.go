package proxy_test

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/toolchainlabs/remexec/pkg/auth"
	"github.com/toolchainlabs/remexec/pkg/clock"
	"github.com/toolchainlabs/remexec/pkg/proxy"

	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
)

type fakeServerTransportStream struct {
	method string
}

func (s *fakeServerTransportStream) Method() string                  { return s.method }
func (s *fakeServerTransportStream) SetHeader(md metadata.MD) error  { return nil }
func (s *fakeServerTransportStream) SendHeader(md metadata.MD) error { return nil }
func (s *fakeServerTransportStream) SetTrailer(md metadata.MD) error { return nil }

type fakeIncomingStream struct {
	grpc.ServerStream
	ctx context.Context
}

func (s *fakeIncomingStream) Context() context.Context { return s.ctx }

func (s *fakeIncomingStream) RecvMsg(m interface{}) error { return io.EOF }

func (s *fakeIncomingStream) SendMsg(m interface{}) error { return nil }

type fakeClientStream struct {
	grpc.ClientStream
}

func (s *fakeClientStream) CloseSend() error            { return nil }
func (s *fakeClientStream) SendMsg(m interface{}) error { return nil }
func (s *fakeClientStream) RecvMsg(m interface{}) error { return io.EOF }

type fakeClientConn struct {
	capturedContext context.Context
	capturedMethod  string
}

func (cc *fakeClientConn) Invoke(ctx context.Context, method string, args, reply interface{}, opts ...grpc.CallOption) error {
	return nil
}

func (cc *fakeClientConn) NewStream(ctx context.Context, desc *grpc.StreamDesc, method string, opts ...grpc.CallOption) (grpc.ClientStream, error) {
	cc.capturedContext = ctx
	cc.capturedMethod = method
	return &fakeClientStream{}, nil
}

func TestProxyStreamHandlerTenantHeader(t *testing.T) {
	backendSet := proxy.NewBackendSet(clock.NewDeterministicClock(time.Unix(1000, 0)), 3, time.Minute)
	conn := &fakeClientConn{}
	backendSet.AddBackend("backend", conn)
	handler := proxy.NewProxyStreamHandler(backendSet)

	// Clients must not be able to spoof the tenant header. The value
	// established during authentication is injected instead.
	ctx := metadata.NewIncomingContext(
		context.Background(),
		metadata.Pairs(
			auth.TenantMetadataHeader, "spoofed",
			"build.bazel.remote.execution.v2.requestmetadata-bin", "tool"))
	ctx = auth.NewContextWithAuthenticationMetadata(
		ctx,
		auth.MustNewAuthenticationMetadataFromRaw(map[string]interface{}{
			"tenant": "acme",
		}))
	ctx = grpc.NewContextWithServerTransportStream(ctx, &fakeServerTransportStream{
		method: "/google.bytestream.ByteStream/Read",
	})

	require.NoError(t, handler(nil, &fakeIncomingStream{ctx: ctx}))
	require.Equal(t, "/google.bytestream.ByteStream/Read", conn.capturedMethod)

	outgoingMD, ok := metadata.FromOutgoingContext(conn.capturedContext)
	require.True(t, ok)
	require.Equal(t, []string{"acme"}, outgoingMD.Get(auth.TenantMetadataHeader))
	require.Equal(t, []string{"tool"}, outgoingMD.Get("build.bazel.remote.execution.v2.requestmetadata-bin"))
}
