package grpcservers_test

import (
	"context"
	"testing"

	remoteexecution "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
	"github.com/stretchr/testify/require"
	"github.com/toolchainlabs/remexec/pkg/auth"
	"github.com/toolchainlabs/remexec/pkg/blobstore"
	"github.com/toolchainlabs/remexec/pkg/blobstore/grpcservers"
	"github.com/toolchainlabs/remexec/pkg/digest"
	"github.com/toolchainlabs/remexec/pkg/testutil"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func TestActionCacheServer(t *testing.T) {
	ctx := context.Background()
	blobAccess := blobstore.NewInMemoryBlobAccess(blobstore.ACReadBufferFactory, digest.KeyWithInstance, 1024)
	server := grpcservers.NewActionCacheServer(
		blobAccess,
		auth.NewStaticAuthorizer(func(instanceName digest.InstanceName) bool {
			return instanceName == digest.MustNewInstanceName("default")
		}),
		1024)

	actionResult := &remoteexecution.ActionResult{
		ExitCode:     1,
		StdoutDigest: &remoteexecution.Digest{Hash: "aee9e38cb4d40ec2794542567539b4c8", SizeBytes: 8},
	}

	t.Run("GetMiss", func(t *testing.T) {
		_, err := server.GetActionResult(ctx, &remoteexecution.GetActionResultRequest{
			InstanceName: "default",
			ActionDigest: &remoteexecution.Digest{Hash: "8b1a9953c4611296a827abf8c47804d7", SizeBytes: 123},
		})
		require.Equal(t, codes.NotFound, status.Code(err))
	})

	t.Run("UpdateAndGet", func(t *testing.T) {
		returnedResult, err := server.UpdateActionResult(ctx, &remoteexecution.UpdateActionResultRequest{
			InstanceName: "default",
			ActionDigest: &remoteexecution.Digest{Hash: "8b1a9953c4611296a827abf8c47804d7", SizeBytes: 123},
			ActionResult: actionResult,
		})
		require.NoError(t, err)
		testutil.RequireEqualProto(t, actionResult, returnedResult)

		fetchedResult, err := server.GetActionResult(ctx, &remoteexecution.GetActionResultRequest{
			InstanceName: "default",
			ActionDigest: &remoteexecution.Digest{Hash: "8b1a9953c4611296a827abf8c47804d7", SizeBytes: 123},
		})
		require.NoError(t, err)
		testutil.RequireEqualProto(t, actionResult, fetchedResult)
	})

	t.Run("UpdateDenied", func(t *testing.T) {
		_, err := server.UpdateActionResult(ctx, &remoteexecution.UpdateActionResultRequest{
			InstanceName: "other",
			ActionDigest: &remoteexecution.Digest{Hash: "8b1a9953c4611296a827abf8c47804d7", SizeBytes: 123},
			ActionResult: actionResult,
		})
		testutil.RequireEqualStatus(
			t,
			status.Error(codes.PermissionDenied, "This service does not accept action results for instance \"other\": Permission denied"),
			err)
	})

	t.Run("InvalidDigest", func(t *testing.T) {
		_, err := server.GetActionResult(ctx, &remoteexecution.GetActionResultRequest{
			InstanceName: "default",
			ActionDigest: &remoteexecution.Digest{Hash: "cafebabe", SizeBytes: 123},
		})
		require.Equal(t, codes.InvalidArgument, status.Code(err))
	})
}
