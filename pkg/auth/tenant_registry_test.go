package auth_test

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/toolchainlabs/remexec/pkg/auth"
	"github.com/toolchainlabs/remexec/pkg/testutil"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func TestTenantRegistry(t *testing.T) {
	registry := auth.NewTenantRegistry([]*auth.Tenant{
		{
			Name:                      "acme",
			ExecuteRequestsPerSecond:  10,
			MaximumInFlightOperations: 100,
		},
		{
			Name:     "mothballed",
			Disabled: true,
		},
	})

	t.Run("Known", func(t *testing.T) {
		tenant, err := registry.GetTenant("acme")
		require.NoError(t, err)
		require.Equal(t, float64(10), tenant.ExecuteRequestsPerSecond)
		require.Equal(t, 100, tenant.MaximumInFlightOperations)
	})

	t.Run("Unknown", func(t *testing.T) {
		_, err := registry.GetTenant("stranger")
		testutil.RequireEqualStatus(t, status.Error(codes.PermissionDenied, "Tenant \"stranger\" is not known"), err)
	})

	t.Run("Disabled", func(t *testing.T) {
		_, err := registry.GetTenant("mothballed")
		testutil.RequireEqualStatus(t, status.Error(codes.PermissionDenied, "Tenant \"mothballed\" has been disabled"), err)
	})

	t.Run("DisableAtRuntime", func(t *testing.T) {
		require.NoError(t, registry.SetTenantDisabled("acme", true))
		_, err := registry.GetTenant("acme")
		testutil.RequireEqualStatus(t, status.Error(codes.PermissionDenied, "Tenant \"acme\" has been disabled"), err)

		require.NoError(t, registry.SetTenantDisabled("acme", false))
		_, err = registry.GetTenant("acme")
		require.NoError(t, err)

		testutil.RequireEqualStatus(
			t,
			status.Error(codes.NotFound, "Tenant \"stranger\" is not known"),
			registry.SetTenantDisabled("stranger", true))
	})
}
