package auth

import (
	"sync"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Tenant describes a single tenant that is permitted to send requests
// through the frontend. Quota parameters are interpreted by the
// scheduler's admission layer.
type Tenant struct {
	// Name of the tenant, as it appears in the tenant claim of
	// authentication tokens.
	Name string `json:"name"`
	// Disabled tenants remain in the registry, but all of their
	// requests are rejected. This allows tenants to be suspended
	// without discarding their configuration.
	Disabled bool `json:"disabled,omitempty"`
	// Maximum sustained rate of Execute() calls, in requests per
	// second. Zero means the tenant is not rate limited.
	ExecuteRequestsPerSecond float64 `json:"executeRequestsPerSecond,omitempty"`
	// Maximum number of operations that may be queued or executing
	// at the same time. Zero means no limit.
	MaximumInFlightOperations int `json:"maximumInFlightOperations,omitempty"`
}

// TenantRegistry holds the set of known tenants. It is consulted by the
// frontend when resolving tenant claims and by the scheduler when
// admitting work.
type TenantRegistry struct {
	lock    sync.RWMutex
	tenants map[string]*Tenant
}

// NewTenantRegistry creates a TenantRegistry containing the provided
// tenants.
func NewTenantRegistry(tenants []*Tenant) *TenantRegistry {
	tr := &TenantRegistry{
		tenants: map[string]*Tenant{},
	}
	for _, tenant := range tenants {
		tr.tenants[tenant.Name] = tenant
	}
	return tr
}

// GetTenant returns the configuration of a single tenant. An error with
// code PermissionDenied is returned if the tenant is unknown or has
// been disabled.
func (tr *TenantRegistry) GetTenant(name string) (*Tenant, error) {
	tr.lock.RLock()
	tenant, ok := tr.tenants[name]
	tr.lock.RUnlock()
	if !ok {
		return nil, status.Errorf(codes.PermissionDenied, "Tenant %#v is not known", name)
	}
	if tenant.Disabled {
		return nil, status.Errorf(codes.PermissionDenied, "Tenant %#v has been disabled", name)
	}
	return tenant, nil
}

// SetTenantDisabled enables or disables a tenant at runtime. Disabling
// only affects newly arriving requests; operations that are already in
// flight are allowed to complete.
func (tr *TenantRegistry) SetTenantDisabled(name string, disabled bool) error {
	tr.lock.Lock()
	defer tr.lock.Unlock()
	tenant, ok := tr.tenants[name]
	if !ok {
		return status.Errorf(codes.NotFound, "Tenant %#v is not known", name)
	}
	tenant.Disabled = disabled
	return nil
}
