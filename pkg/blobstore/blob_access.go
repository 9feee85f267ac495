package blobstore

import (
	"context"

	"github.com/toolchainlabs/remexec/pkg/blobstore/buffer"
	"github.com/toolchainlabs/remexec/pkg/digest"
)

// RecommendedFindMissingDigestsCount is the maximum number of digests
// that should be provided to BlobAccess.FindMissing() in a single call.
// Larger sets should be partitioned, so that the resulting
// FindMissingBlobs requests stay well within common gRPC message size
// limits.
const RecommendedFindMissingDigestsCount = 10000

// BlobAccess is an abstraction for a data store that can be used to
// hold a Content Addressable Storage (CAS) or Action Cache (AC).
//
// Writes are idempotent: storing the same contents under the same
// digest twice is not an error. Implementations that validate contents
// must discard partial uploads whose contents disagree with the digest
// under which they are stored.
type BlobAccess interface {
	// Get a blob in the form of a Buffer. Errors are reported
	// through the Buffer at consumption time, so that this function
	// does not need to block.
	Get(ctx context.Context, blobDigest digest.Digest) buffer.Buffer
	// Put a blob, consuming the provided Buffer.
	Put(ctx context.Context, blobDigest digest.Digest, b buffer.Buffer) error
	// Remove a blob. Removal of a blob that does not exist is not
	// an error. This operation is used by the Action Cache to
	// invalidate entries, either explicitly or upon detecting that
	// an entry references objects no longer present in the CAS.
	Remove(ctx context.Context, blobDigest digest.Digest) error
	// FindMissing returns the subset of the provided digests that
	// are not present in storage.
	FindMissing(ctx context.Context, digests digest.Set) (digest.Set, error)
}
