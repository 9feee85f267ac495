package blobstore_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/toolchainlabs/remexec/pkg/blobstore"
	"github.com/toolchainlabs/remexec/pkg/blobstore/buffer"
	"github.com/toolchainlabs/remexec/pkg/clock"
	"github.com/toolchainlabs/remexec/pkg/digest"
	"github.com/toolchainlabs/remexec/pkg/eviction"
)

func TestExistenceCachingBlobAccess(t *testing.T) {
	ctx := context.Background()
	deterministicClock := clock.NewDeterministicClock(time.Unix(1000, 0))
	base := blobstore.NewInMemoryBlobAccess(blobstore.CASReadBufferFactory, digest.KeyWithoutInstance, 1024)
	blobAccess := blobstore.NewExistenceCachingBlobAccess(
		base,
		digest.NewExistenceCache(deterministicClock, digest.KeyWithoutInstance, 10, time.Minute, eviction.NewLRUSet[string]()))

	require.NoError(t, base.Put(ctx, helloDigest, buffer.NewValidatedBufferFromByteSlice([]byte("Hello"))))

	// The first call populates the cache with the digests that
	// turned out to be present.
	missing, err := blobAccess.FindMissing(
		ctx,
		digest.NewSetBuilder().Add(helloDigest).Add(worldDigest).Build())
	require.NoError(t, err)
	require.Equal(t, worldDigest.ToSingletonSet(), missing)

	// Removing the blob from the backend behind the cache's back
	// does not invalidate the cached existence result.
	require.NoError(t, base.Remove(ctx, helloDigest))
	missing, err = blobAccess.FindMissing(ctx, helloDigest.ToSingletonSet())
	require.NoError(t, err)
	require.Equal(t, digest.EmptySet, missing)

	// A Get() that returns NOT_FOUND must evict the cache entry
	// immediately, so that subsequent FindMissing() calls report
	// the blob as absent.
	_, err = blobAccess.Get(ctx, helloDigest).ToByteSlice(100)
	require.Error(t, err)
	missing, err = blobAccess.FindMissing(ctx, helloDigest.ToSingletonSet())
	require.NoError(t, err)
	require.Equal(t, helloDigest.ToSingletonSet(), missing)

	// Cached existence results expire after the configured
	// duration.
	require.NoError(t, base.Put(ctx, helloDigest, buffer.NewValidatedBufferFromByteSlice([]byte("Hello"))))
	missing, err = blobAccess.FindMissing(ctx, helloDigest.ToSingletonSet())
	require.NoError(t, err)
	require.Equal(t, digest.EmptySet, missing)

	require.NoError(t, base.Remove(ctx, helloDigest))
	deterministicClock.Advance(2 * time.Minute)
	missing, err = blobAccess.FindMissing(ctx, helloDigest.ToSingletonSet())
	require.NoError(t, err)
	require.Equal(t, helloDigest.ToSingletonSet(), missing)

	// Remove() on the decorator must drop the cache entry before
	// forwarding the call.
	require.NoError(t, base.Put(ctx, helloDigest, buffer.NewValidatedBufferFromByteSlice([]byte("Hello"))))
	missing, err = blobAccess.FindMissing(ctx, helloDigest.ToSingletonSet())
	require.NoError(t, err)
	require.Equal(t, digest.EmptySet, missing)

	require.NoError(t, blobAccess.Remove(ctx, helloDigest))
	missing, err = blobAccess.FindMissing(ctx, helloDigest.ToSingletonSet())
	require.NoError(t, err)
	require.Equal(t, helloDigest.ToSingletonSet(), missing)
}
