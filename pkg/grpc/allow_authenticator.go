package grpc

import (
	"context"

	"github.com/toolchainlabs/remexec/pkg/auth"
)

type allowAuthenticator struct {
	metadata *auth.AuthenticationMetadata
}

// NewAllowAuthenticator creates an Authenticator that simply always
// returns success, attaching a fixed set of authentication metadata to
// every request. This implementation can be used in case a gRPC server
// needs to be started that does not perform any authentication (e.g.,
// a scheduler that is only reachable through the frontend, or a server
// listening on a UNIX socket with restricted file permissions).
func NewAllowAuthenticator(metadata *auth.AuthenticationMetadata) Authenticator {
	return allowAuthenticator{
		metadata: metadata,
	}
}

func (a allowAuthenticator) Authenticate(ctx context.Context) (*auth.AuthenticationMetadata, error) {
	return a.metadata, nil
}
