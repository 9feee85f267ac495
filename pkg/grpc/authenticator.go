package grpc

import (
	"context"

	"github.com/toolchainlabs/remexec/pkg/auth"
)

// Authenticator can be used to grant or deny access to a gRPC server.
// Implementations may grant access based on provided headers, TLS
// connection state, source IP address ranges, etc. etc. etc.
//
// On success, the authentication metadata that applies to the request
// is returned, so that it can be attached to the request's context.
type Authenticator interface {
	Authenticate(ctx context.Context) (*auth.AuthenticationMetadata, error)
}
