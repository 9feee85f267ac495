package proxy

import (
	"context"
	"io"

	"github.com/toolchainlabs/remexec/pkg/auth"
	bb_grpc "github.com/toolchainlabs/remexec/pkg/grpc"

	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
	"google.golang.org/protobuf/types/known/emptypb"
)

// NewProxyStreamHandler creates a grpc.StreamHandler that forwards
// entire gRPC streams to a backend chosen from a BackendSet, without
// deserializing the messages being exchanged. Each stream remains
// pinned to the backend it was dispatched to for its full lifetime.
func NewProxyStreamHandler(backends *BackendSet) grpc.StreamHandler {
	handler := &proxyStreamHandler{
		backends: backends,
	}
	return handler.handleStream
}

type proxyStreamHandler struct {
	backends *BackendSet
}

// backendMetadata computes the metadata to attach to the outgoing
// stream: the client's metadata with any inbound tenant headers
// replaced by the tenant that was established during authentication.
func backendMetadata(ctx context.Context) metadata.MD {
	var md metadata.MD
	if incomingMD, ok := metadata.FromIncomingContext(ctx); ok {
		md = incomingMD.Copy()
	} else {
		md = metadata.MD{}
	}
	delete(md, auth.TenantMetadataHeader)
	if tenant := auth.AuthenticationMetadataFromContext(ctx).GetTenant(); tenant != "" {
		md.Set(auth.TenantMetadataHeader, tenant)
	}
	return md
}

func (h *proxyStreamHandler) handleStream(srv interface{}, incomingStream grpc.ServerStream) error {
	backend, err := h.backends.Pick()
	if err != nil {
		return err
	}
	err = h.forwardStream(backend, incomingStream)
	backend.Finish(err)
	return err
}

func (h *proxyStreamHandler) forwardStream(backend *Backend, incomingStream grpc.ServerStream) error {
	method := bb_grpc.MustStreamMethodFromContext(incomingStream.Context())
	desc := grpc.StreamDesc{
		// Streaming behaviour is wanted. A single message is
		// treated the same on the transport level, the
		// application just closes the stream after the first
		// message.
		ServerStreams: true,
		ClientStreams: true,
	}
	ctx, cancel := context.WithCancelCause(incomingStream.Context())
	defer cancel(nil)

	// ctx is guaranteed to be canceled when returning from this
	// method, so outgoingStream will not leak resources.
	outgoingStream, err := backend.Connection().NewStream(
		metadata.NewOutgoingContext(ctx, backendMetadata(ctx)),
		&desc,
		method)
	if err != nil {
		return err
	}

	// The only way to cancel a blocking incomingStream.RecvMsg is to
	// return from this method. Therefore, an error from
	// outgoingStream.RecvMsg needs to be returned without waiting
	// for incomingStream.RecvMsg.
	go func() {
		for {
			msg := &emptypb.Empty{}
			if err := incomingStream.RecvMsg(msg); err != nil {
				if err == io.EOF {
					outgoingStream.CloseSend()
					return
				}
				cancel(err)
				return
			}
			if err := outgoingStream.SendMsg(msg); err != nil {
				if err == io.EOF {
					// The error will be returned by
					// outgoingStream.RecvMsg().
					return
				}
				cancel(err)
				return
			}
		}
	}()

	for {
		msg := &emptypb.Empty{}
		if err := outgoingStream.RecvMsg(msg); err != nil {
			if err != io.EOF {
				cancel(err)
			}
			break
		}
		if err := incomingStream.SendMsg(msg); err != nil {
			cancel(err)
			break
		}
	}
	return context.Cause(ctx)
}
