package auth

import (
	"context"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// TenantMetadataHeader is the metadata key through which the frontend
// communicates the authenticated tenant to backends. Inbound values of
// this header are stripped from client requests, so that clients cannot
// impersonate other tenants.
const TenantMetadataHeader = "x-remexec-tenant"

type tenantHeaderAuthenticator struct {
	headerKey      string
	tenantRegistry *TenantRegistry
}

// NewTenantHeaderAuthenticator creates a RequestHeadersAuthenticator
// that derives the tenant from a metadata header. This is used by the
// scheduler, which only receives traffic from the frontend; the
// frontend validates credentials and stamps the tenant it resolved onto
// every forwarded request.
func NewTenantHeaderAuthenticator(headerKey string, tenantRegistry *TenantRegistry) RequestHeadersAuthenticator {
	return &tenantHeaderAuthenticator{
		headerKey:      headerKey,
		tenantRegistry: tenantRegistry,
	}
}

func (a *tenantHeaderAuthenticator) Authenticate(ctx context.Context, headers map[string][]string) (*AuthenticationMetadata, error) {
	values := headers[a.headerKey]
	if len(values) != 1 {
		return nil, status.Errorf(codes.Unauthenticated, "Request does not contain exactly one %#v header", a.headerKey)
	}
	if _, err := a.tenantRegistry.GetTenant(values[0]); err != nil {
		return nil, err
	}
	return NewAuthenticationMetadataFromRaw(map[string]any{"tenant": values[0]})
}
