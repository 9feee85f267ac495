package grpc

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
)

// NewMetadataAddingUnaryClientInterceptor creates a client interceptor
// that attaches fixed header values to every outgoing unary call.
// Configurations use this to present static credentials, such as an
// API key, to a backend.
func NewMetadataAddingUnaryClientInterceptor(headerValues MetadataHeaderValues) grpc.UnaryClientInterceptor {
	return func(ctx context.Context, method string, req, resp interface{}, cc *grpc.ClientConn, invoker grpc.UnaryInvoker, opts ...grpc.CallOption) error {
		return invoker(metadata.AppendToOutgoingContext(ctx, headerValues...), method, req, resp, cc, opts...)
	}
}

// NewMetadataAddingStreamClientInterceptor is the streaming counterpart
// of NewMetadataAddingUnaryClientInterceptor.
func NewMetadataAddingStreamClientInterceptor(headerValues MetadataHeaderValues) grpc.StreamClientInterceptor {
	return func(ctx context.Context, desc *grpc.StreamDesc, cc *grpc.ClientConn, method string, streamer grpc.Streamer, opts ...grpc.CallOption) (grpc.ClientStream, error) {
		return streamer(metadata.AppendToOutgoingContext(ctx, headerValues...), desc, cc, method, opts...)
	}
}
