package auth

import (
	"context"
)

// RequestHeadersAuthenticator authenticates a request based solely on
// its headers (gRPC metadata or HTTP headers). Implementations return
// the metadata describing the authenticated party, such as the tenant
// extracted from a trusted header or a verified JWT.
type RequestHeadersAuthenticator interface {
	Authenticate(ctx context.Context, headers map[string][]string) (*AuthenticationMetadata, error)
}
