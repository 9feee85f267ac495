package grpc

import (
	"context"

	"github.com/toolchainlabs/remexec/pkg/auth"
	"github.com/toolchainlabs/remexec/pkg/jwt"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

type jwtAuthenticator struct {
	authorizationHeaderParser *jwt.AuthorizationHeaderParser
	tenantRegistry            *auth.TenantRegistry
}

// NewJWTAuthenticator creates an Authenticator that only grants access
// in case the client presented a validly signed JSON Web Token as a
// Bearer token in the request's "authorization" header.
//
// If a tenant registry is provided, the token's tenant claim is
// additionally resolved against it, so that requests from unknown or
// administratively disabled tenants are rejected even when their tokens
// are otherwise valid.
func NewJWTAuthenticator(authorizationHeaderParser *jwt.AuthorizationHeaderParser, tenantRegistry *auth.TenantRegistry) Authenticator {
	return &jwtAuthenticator{
		authorizationHeaderParser: authorizationHeaderParser,
		tenantRegistry:            tenantRegistry,
	}
}

func (a *jwtAuthenticator) Authenticate(ctx context.Context) (*auth.AuthenticationMetadata, error) {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return nil, status.Error(codes.Unauthenticated, "Connection was not established using gRPC")
	}
	authenticationMetadata, ok := a.authorizationHeaderParser.ParseAuthorizationHeaders(md.Get("authorization"))
	if !ok {
		return nil, status.Error(codes.Unauthenticated, "No valid authorization header containing a bearer token provided")
	}
	if a.tenantRegistry != nil {
		tenantName := authenticationMetadata.GetTenant()
		if tenantName == "" {
			return nil, status.Error(codes.Unauthenticated, "Token does not contain a tenant claim")
		}
		if _, err := a.tenantRegistry.GetTenant(tenantName); err != nil {
			return nil, err
		}
	}
	return authenticationMetadata, nil
}
