package grpc_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/toolchainlabs/remexec/pkg/auth"
	bb_grpc "github.com/toolchainlabs/remexec/pkg/grpc"
	"github.com/toolchainlabs/remexec/pkg/testutil"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func TestAnyAuthenticator(t *testing.T) {
	ctx := context.Background()

	t.Run("AllDeny", func(t *testing.T) {
		// Messages of all backends should be combined.
		a := bb_grpc.NewAnyAuthenticator([]bb_grpc.Authenticator{
			bb_grpc.NewDenyAuthenticator("Not on the guest list"),
			bb_grpc.NewDenyAuthenticator("Not wearing a suit"),
		})
		_, err := a.Authenticate(ctx)
		testutil.RequireEqualStatus(t, status.Error(codes.Unauthenticated, "Not on the guest list, Not wearing a suit"), err)
	})

	t.Run("OneAllows", func(t *testing.T) {
		expectedMetadata := auth.MustNewAuthenticationMetadataFromRaw(map[string]interface{}{
			"tenant": "acme",
		})
		a := bb_grpc.NewAnyAuthenticator([]bb_grpc.Authenticator{
			bb_grpc.NewDenyAuthenticator("Not on the guest list"),
			bb_grpc.NewAllowAuthenticator(expectedMetadata),
		})
		metadata, err := a.Authenticate(ctx)
		require.NoError(t, err)
		require.Equal(t, "acme", metadata.GetTenant())
	})
}
