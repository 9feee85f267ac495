package completenesschecking_test

import (
	"context"
	"testing"

	remoteexecution "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
	"github.com/stretchr/testify/require"
	"github.com/toolchainlabs/remexec/pkg/blobstore"
	"github.com/toolchainlabs/remexec/pkg/blobstore/buffer"
	"github.com/toolchainlabs/remexec/pkg/blobstore/completenesschecking"
	"github.com/toolchainlabs/remexec/pkg/digest"
	"github.com/toolchainlabs/remexec/pkg/testutil"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func TestCompletenessCheckingBlobAccess(t *testing.T) {
	ctx := context.Background()
	actionCache := blobstore.NewInMemoryBlobAccess(blobstore.ACReadBufferFactory, digest.KeyWithInstance, 1<<20)
	contentAddressableStorage := blobstore.NewInMemoryBlobAccess(blobstore.CASReadBufferFactory, digest.KeyWithInstance, 1<<20)
	blobAccess := completenesschecking.NewCompletenessCheckingBlobAccess(
		actionCache,
		contentAddressableStorage,
		/* batchSize = */ 2,
		/* maximumMessageSizeBytes = */ 10000)

	actionDigest := digest.MustNewDigest("hello", "8b1a9953c4611296a827abf8c47804d7", 123)
	digestFunction := actionDigest.GetDigestFunction()

	stdoutDigest := digest.MustNewDigest("hello", "aee9e38cb4d40ec2794542567539b4c8", 8)
	outputFileDigest := digest.MustNewDigest("hello", "9621edf9ae060b82b0a90b0995e1af28", 8)
	childFileDigest := digest.MustNewDigest("hello", "133badf8da1b44a7063ca863db2b8aa8", 8)

	tree := &remoteexecution.Tree{
		Root: &remoteexecution.Directory{
			Files: []*remoteexecution.FileNode{
				{
					Name:   "some_file",
					Digest: childFileDigest.GetProto(),
				},
			},
		},
	}
	treeDigest, err := blobstore.CASPutProto(ctx, contentAddressableStorage, tree, digestFunction)
	require.NoError(t, err)

	actionResult := &remoteexecution.ActionResult{
		OutputFiles: []*remoteexecution.OutputFile{
			{
				Path:   "bazel-out/output.o",
				Digest: outputFileDigest.GetProto(),
			},
		},
		OutputDirectories: []*remoteexecution.OutputDirectory{
			{
				Path:       "bazel-out/output_dir",
				TreeDigest: treeDigest.GetProto(),
			},
		},
		StdoutDigest: stdoutDigest.GetProto(),
	}

	storeActionResult := func(t *testing.T) {
		require.NoError(t, actionCache.Put(
			ctx,
			actionDigest,
			buffer.NewProtoBufferFromProto(actionResult, buffer.UserProvided)))
	}
	storeReferencedBlobs := func(t *testing.T) {
		require.NoError(t, contentAddressableStorage.Put(ctx, stdoutDigest, buffer.NewValidatedBufferFromByteSlice([]byte("AAAAAAAA"))))
		require.NoError(t, contentAddressableStorage.Put(ctx, outputFileDigest, buffer.NewValidatedBufferFromByteSlice([]byte("BBBBBBBB"))))
		require.NoError(t, contentAddressableStorage.Put(ctx, childFileDigest, buffer.NewValidatedBufferFromByteSlice([]byte("CCCCCCCC"))))
	}

	t.Run("Complete", func(t *testing.T) {
		storeActionResult(t)
		storeReferencedBlobs(t)

		fetchedResult, err := blobAccess.Get(ctx, actionDigest).ToProto(&remoteexecution.ActionResult{}, 10000)
		require.NoError(t, err)
		testutil.RequireEqualProto(t, actionResult, fetchedResult)
	})

	t.Run("MissingOutputFile", func(t *testing.T) {
		storeActionResult(t)
		storeReferencedBlobs(t)
		require.NoError(t, contentAddressableStorage.Remove(ctx, outputFileDigest))

		_, err := blobAccess.Get(ctx, actionDigest).ToProto(&remoteexecution.ActionResult{}, 10000)
		require.Equal(t, codes.NotFound, status.Code(err))

		// The incomplete entry must have been removed from the
		// Action Cache, so that it can be regenerated.
		missing, err := actionCache.FindMissing(ctx, actionDigest.ToSingletonSet())
		require.NoError(t, err)
		require.Equal(t, actionDigest.ToSingletonSet(), missing)
	})

	t.Run("MissingTreeChild", func(t *testing.T) {
		storeActionResult(t)
		storeReferencedBlobs(t)
		require.NoError(t, contentAddressableStorage.Remove(ctx, childFileDigest))

		_, err := blobAccess.Get(ctx, actionDigest).ToProto(&remoteexecution.ActionResult{}, 10000)
		testutil.RequireEqualStatus(
			t,
			status.Errorf(codes.NotFound, "Object %s referenced by the action result is not present in the Content Addressable Storage", childFileDigest),
			err)

		missing, err := actionCache.FindMissing(ctx, actionDigest.ToSingletonSet())
		require.NoError(t, err)
		require.Equal(t, actionDigest.ToSingletonSet(), missing)
	})

	t.Run("MissingTreeObject", func(t *testing.T) {
		storeActionResult(t)
		storeReferencedBlobs(t)
		require.NoError(t, contentAddressableStorage.Remove(ctx, treeDigest))

		_, err := blobAccess.Get(ctx, actionDigest).ToProto(&remoteexecution.ActionResult{}, 10000)
		require.Equal(t, codes.NotFound, status.Code(err))
	})

	t.Run("MalformedDigest", func(t *testing.T) {
		require.NoError(t, actionCache.Put(
			ctx,
			actionDigest,
			buffer.NewProtoBufferFromProto(&remoteexecution.ActionResult{
				StdoutDigest: &remoteexecution.Digest{
					Hash:      "this is not a valid hash",
					SizeBytes: 123,
				},
			}, buffer.UserProvided)))

		// Malformed digests embedded in the action result are
		// treated as data corruption, which renders the entry
		// unusable.
		_, err := blobAccess.Get(ctx, actionDigest).ToProto(&remoteexecution.ActionResult{}, 10000)
		require.Equal(t, codes.NotFound, status.Code(err))
	})
}
