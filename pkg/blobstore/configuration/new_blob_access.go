package configuration

import (
	"github.com/google/uuid"
	"github.com/toolchainlabs/remexec/pkg/blobstore"
	"github.com/toolchainlabs/remexec/pkg/blobstore/grpcclients"
	"github.com/toolchainlabs/remexec/pkg/clock"
	"github.com/toolchainlabs/remexec/pkg/digest"
	"github.com/toolchainlabs/remexec/pkg/eviction"
	bb_grpc "github.com/toolchainlabs/remexec/pkg/grpc"
	"github.com/toolchainlabs/remexec/pkg/util"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const (
	// Chunk size used when streaming blobs from a remote CAS.
	readChunkSizeBytes = 64 * 1024
	// Maximum size of ActionResult messages fetched from a remote
	// Action Cache.
	maximumMessageSizeBytes = 16 * 1024 * 1024
)

// InMemoryBlobAccessConfiguration holds the options of a storage
// backend that keeps all blobs in memory, evicting the least recently
// used ones when the configured capacity is exceeded.
type InMemoryBlobAccessConfiguration struct {
	// Total capacity, in bytes.
	MaximumSizeBytes int64 `json:"maximumSizeBytes"`
}

// ExistenceCacheConfiguration holds the options of the cache that is
// used to suppress repeated FindMissing() calls for the same digests.
type ExistenceCacheConfiguration struct {
	// Maximum number of digests to cache.
	MaximumCacheSize int `json:"maximumCacheSize"`
	// Amount of time a cached digest remains valid.
	CacheDuration util.Duration `json:"cacheDuration"`
	// Optional: "least_recently_used" (default),
	// "first_in_first_out" or "random_replacement".
	CacheReplacementPolicy string `json:"cacheReplacementPolicy,omitempty"`
}

// BlobAccessConfiguration points a service at one blob storage backend.
// Exactly one backend must be set.
type BlobAccessConfiguration struct {
	// Store blobs in memory inside this process.
	InMemory *InMemoryBlobAccessConfiguration `json:"inMemory,omitempty"`
	// Forward requests to a remote storage service over gRPC.
	Grpc *bb_grpc.ClientConfiguration `json:"grpc,omitempty"`
	// Optional: cache FindMissing() results.
	ExistenceCache *ExistenceCacheConfiguration `json:"existenceCache,omitempty"`
}

// NewCASBlobAccessFromConfiguration creates a BlobAccess for use as a
// Content Addressable Storage, including the standard decorators for
// metrics, existence caching and empty blob injection.
func NewCASBlobAccessFromConfiguration(configuration *BlobAccessConfiguration, clientFactory bb_grpc.ClientFactory, clk clock.Clock) (blobstore.BlobAccess, error) {
	var blobAccess blobstore.BlobAccess
	switch {
	case configuration.InMemory != nil:
		blobAccess = blobstore.NewInMemoryBlobAccess(
			blobstore.CASReadBufferFactory,
			digest.KeyWithoutInstance,
			configuration.InMemory.MaximumSizeBytes)
	case configuration.Grpc != nil:
		client, err := clientFactory.NewClientFromConfiguration(configuration.Grpc)
		if err != nil {
			return nil, util.StatusWrap(err, "Failed to create gRPC client for CAS")
		}
		blobAccess = grpcclients.NewCASBlobAccess(client, uuid.NewRandom, readChunkSizeBytes, true)
	default:
		return nil, status.Error(codes.InvalidArgument, "CAS configuration did not contain a storage backend")
	}
	blobAccess = blobstore.NewMetricsBlobAccess(blobAccess, clk, "cas")
	if cacheConfiguration := configuration.ExistenceCache; cacheConfiguration != nil {
		evictionSet, err := eviction.NewSetFromConfiguration[string](cacheConfiguration.CacheReplacementPolicy)
		if err != nil {
			return nil, util.StatusWrap(err, "Failed to create existence cache eviction set")
		}
		blobAccess = blobstore.NewExistenceCachingBlobAccess(
			blobAccess,
			digest.NewExistenceCache(
				clk,
				digest.KeyWithoutInstance,
				cacheConfiguration.MaximumCacheSize,
				cacheConfiguration.CacheDuration.AsDuration(),
				eviction.NewMetricsSet(evictionSet, "ExistenceCachingBlobAccess")))
	}
	return blobstore.NewEmptyBlobInjectingBlobAccess(blobAccess), nil
}

// NewACBlobAccessFromConfiguration creates a BlobAccess for use as an
// Action Cache.
func NewACBlobAccessFromConfiguration(configuration *BlobAccessConfiguration, clientFactory bb_grpc.ClientFactory, clk clock.Clock) (blobstore.BlobAccess, error) {
	var blobAccess blobstore.BlobAccess
	switch {
	case configuration.InMemory != nil:
		blobAccess = blobstore.NewInMemoryBlobAccess(
			blobstore.ACReadBufferFactory,
			digest.KeyWithInstance,
			configuration.InMemory.MaximumSizeBytes)
	case configuration.Grpc != nil:
		client, err := clientFactory.NewClientFromConfiguration(configuration.Grpc)
		if err != nil {
			return nil, util.StatusWrap(err, "Failed to create gRPC client for Action Cache")
		}
		blobAccess = grpcclients.NewACBlobAccess(client, maximumMessageSizeBytes)
	default:
		return nil, status.Error(codes.InvalidArgument, "Action Cache configuration did not contain a storage backend")
	}
	if configuration.ExistenceCache != nil {
		return nil, status.Error(codes.InvalidArgument, "Existence caching is not supported on the Action Cache")
	}
	return blobstore.NewMetricsBlobAccess(blobAccess, clk, "ac"), nil
}
