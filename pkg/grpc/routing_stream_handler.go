package grpc

import (
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// NewRoutingStreamHandler creates a grpc.StreamHandler which routes
// gRPC streams based on the invoked gRPC service name. The keys in the
// routeTable map are gRPC service names, for example:
//
//	build.bazel.remote.execution.v2.Execution
//	google.bytestream.ByteStream
func NewRoutingStreamHandler(routeTable map[string]grpc.StreamHandler) grpc.StreamHandler {
	return func(srv interface{}, stream grpc.ServerStream) error {
		fullMethod := MustStreamMethodFromContext(stream.Context())
		// Service and method name parsing based on
		// grpc.Server.handleStream().
		serviceMethod := strings.TrimPrefix(fullMethod, "/")
		endIdx := strings.LastIndex(serviceMethod, "/")
		if endIdx == -1 {
			return status.Errorf(codes.InvalidArgument, "Malformed method name %v", fullMethod)
		}
		service := serviceMethod[:endIdx]

		if streamHandler, ok := routeTable[service]; ok {
			return streamHandler(srv, stream)
		}
		return status.Errorf(codes.Unimplemented, "No route for service %v", service)
	}
}
