package auth_test

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/toolchainlabs/remexec/pkg/auth"
	"github.com/toolchainlabs/remexec/pkg/digest"
	"github.com/toolchainlabs/remexec/pkg/testutil"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func TestAnyAuthorizerZero(t *testing.T) {
	a := auth.NewAnyAuthorizer(nil)
	err := auth.AuthorizeSingleInstanceName(context.Background(), a, digest.MustNewInstanceName("hello"))
	testutil.RequireEqualStatus(t, status.Error(codes.PermissionDenied, "Permission denied"), err)
}

func TestAnyAuthorizerMultiple(t *testing.T) {
	a := auth.NewAnyAuthorizer([]auth.Authorizer{
		auth.NewStaticAuthorizer(func(in digest.InstanceName) bool {
			return strings.HasPrefix(in.String(), "red/")
		}),
		auth.NewStaticAuthorizer(func(in digest.InstanceName) bool {
			return strings.HasPrefix(in.String(), "green/")
		}),
		auth.NewStaticAuthorizer(func(in digest.InstanceName) bool {
			return strings.HasPrefix(in.String(), "blue/")
		}),
	})

	// Access should be granted if any of the backends permits it.
	// The position of denied instance names in the result must be
	// preserved.
	errs := a.Authorize(context.Background(), []digest.InstanceName{
		digest.MustNewInstanceName("green/prairie"),
		digest.MustNewInstanceName("yellow/submarine"),
		digest.MustNewInstanceName("blue/lagoon"),
		digest.MustNewInstanceName("red/planet"),
	})
	require.NoError(t, errs[0])
	testutil.RequireEqualStatus(t, status.Error(codes.PermissionDenied, "Permission denied"), errs[1])
	require.NoError(t, errs[2])
	require.NoError(t, errs[3])
}
