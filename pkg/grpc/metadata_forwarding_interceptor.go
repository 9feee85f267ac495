package grpc

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
)

func forwardMetadataHeaders(ctx context.Context, headers []string) context.Context {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return ctx
	}

	// metadata.AppendToOutgoingContext() takes a flat sequence of
	// key-value pairs.
	var headerValues MetadataHeaderValues
	for _, key := range headers {
		headerValues.Add(key, md.Get(key))
	}
	if len(headerValues) == 0 {
		return ctx
	}
	return metadata.AppendToOutgoingContext(ctx, headerValues...)
}

// NewMetadataForwardingUnaryClientInterceptor creates a client
// interceptor for unary calls that copies a fixed set of headers from
// the incoming request metadata into the outgoing request metadata.
// The frontend uses this to propagate request tracing headers to
// storage and scheduler backends.
func NewMetadataForwardingUnaryClientInterceptor(headers []string) grpc.UnaryClientInterceptor {
	return func(ctx context.Context, method string, req, resp interface{}, cc *grpc.ClientConn, invoker grpc.UnaryInvoker, opts ...grpc.CallOption) error {
		return invoker(forwardMetadataHeaders(ctx, headers), method, req, resp, cc, opts...)
	}
}

// NewMetadataForwardingStreamClientInterceptor is the streaming
// counterpart of NewMetadataForwardingUnaryClientInterceptor.
func NewMetadataForwardingStreamClientInterceptor(headers []string) grpc.StreamClientInterceptor {
	return func(ctx context.Context, desc *grpc.StreamDesc, cc *grpc.ClientConn, method string, streamer grpc.Streamer, opts ...grpc.CallOption) (grpc.ClientStream, error) {
		return streamer(forwardMetadataHeaders(ctx, headers), desc, cc, method, opts...)
	}
}
