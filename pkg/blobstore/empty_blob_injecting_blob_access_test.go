package blobstore_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/toolchainlabs/remexec/pkg/blobstore"
	"github.com/toolchainlabs/remexec/pkg/blobstore/buffer"
	"github.com/toolchainlabs/remexec/pkg/digest"
)

func TestEmptyBlobInjectingBlobAccess(t *testing.T) {
	ctx := context.Background()
	base := blobstore.NewInMemoryBlobAccess(blobstore.CASReadBufferFactory, digest.KeyWithoutInstance, 1024)
	blobAccess := blobstore.NewEmptyBlobInjectingBlobAccess(base)

	emptyDigest := digest.MustNewDigest("default", "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855", 0)

	t.Run("Get", func(t *testing.T) {
		// Reads of the empty blob must succeed, even though the
		// backend has never stored it.
		data, err := blobAccess.Get(ctx, emptyDigest).ToByteSlice(100)
		require.NoError(t, err)
		require.Empty(t, data)
	})

	t.Run("Put", func(t *testing.T) {
		// Writes of the empty blob are not passed on to the
		// backend.
		require.NoError(t, blobAccess.Put(ctx, emptyDigest, buffer.NewValidatedBufferFromByteSlice(nil)))

		missing, err := base.FindMissing(ctx, emptyDigest.ToSingletonSet())
		require.NoError(t, err)
		require.Equal(t, emptyDigest.ToSingletonSet(), missing)
	})

	t.Run("Remove", func(t *testing.T) {
		require.NoError(t, blobAccess.Remove(ctx, emptyDigest))
	})

	t.Run("FindMissing", func(t *testing.T) {
		// The empty blob is always reported as present. Regular
		// blobs are forwarded to the backend.
		missing, err := blobAccess.FindMissing(
			ctx,
			digest.NewSetBuilder().Add(emptyDigest).Add(helloDigest).Build())
		require.NoError(t, err)
		require.Equal(t, helloDigest.ToSingletonSet(), missing)
	})
}
