package grpc

import (
	"context"

	"google.golang.org/grpc"
)

// ClientDialer matches the prototype of grpc.DialContext(), except that
// it returns a grpc.ClientConnInterface instead of a *grpc.ClientConn.
// That makes it possible to decorate connections, which
// NewLazyClientDialer uses to defer dialing until the first call.
type ClientDialer func(ctx context.Context, target string, opts ...grpc.DialOption) (grpc.ClientConnInterface, error)

// BaseClientDialer is the undecorated ClientDialer, calling
// grpc.DialContext() directly.
func BaseClientDialer(ctx context.Context, target string, opts ...grpc.DialOption) (grpc.ClientConnInterface, error) {
	return grpc.DialContext(ctx, target, opts...)
}
