package capabilities

import (
	"context"

	remoteexecution "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
	"github.com/bazelbuild/remote-apis/build/bazel/semver"
	"github.com/toolchainlabs/remexec/pkg/digest"
	"github.com/toolchainlabs/remexec/pkg/util"

	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/proto"
)

type mergingProvider struct {
	providers []Provider
}

// NewMergingProvider creates a Provider that combines the messages
// reported by multiple backends, such as a storage subsystem reporting
// CacheCapabilities and a build queue reporting ExecutionCapabilities.
// Feature fields are assumed not to overlap between backends; API
// version ranges may overlap and are intersected.
func NewMergingProvider(providers []Provider) Provider {
	// The merging logic below assumes two or more backends.
	switch len(providers) {
	case 0:
		return emptyProvider{}
	case 1:
		return providers[0]
	default:
		return &mergingProvider{
			providers: providers,
		}
	}
}

func (p *mergingProvider) GetCapabilities(ctx context.Context, instanceName digest.InstanceName) (*remoteexecution.ServerCapabilities, error) {
	// Query all underlying providers in parallel.
	type providerResult struct {
		capabilities *remoteexecution.ServerCapabilities
		err          error
	}

	results := make([]providerResult, len(p.providers))
	group, groupCtx := errgroup.WithContext(ctx)
	for iIter, providerIter := range p.providers {
		i, provider := iIter, providerIter
		group.Go(func() error {
			capabilities, err := provider.GetCapabilities(groupCtx, instanceName)
			switch status.Code(err) {
			case codes.OK:
				// Underlying provider returned
				// CacheCapabilities,
				// ExecutionCapabilities or both.
				results[i] = providerResult{
					capabilities: capabilities,
				}
				return nil
			case codes.InvalidArgument, codes.NotFound, codes.PermissionDenied:
				// Don't terminate if we see these
				// errors, as other subsystems may still
				// report other capabilities.
				results[i] = providerResult{
					capabilities: &remoteexecution.ServerCapabilities{},
					err:          err,
				}
				return nil
			default:
				return err
			}
		})
	}
	if err := group.Wait(); err != nil {
		return nil, err
	}

	validCapabilities := make([]*remoteexecution.ServerCapabilities, 0, len(results))
	for _, result := range results {
		if result.capabilities != nil {
			validCapabilities = append(validCapabilities, result.capabilities)
		}
	}
	capabilities := p.mergeCapabilities(validCapabilities)
	if capabilities.CacheCapabilities != nil || capabilities.ExecutionCapabilities != nil {
		return capabilities, nil
	}

	// None of the providers yielded any capabilities. Combine all
	// observed errors.
	errs := make([]error, 0, len(results))
	for _, result := range results {
		if result.err != nil {
			errs = append(errs, result.err)
		}
	}
	return nil, util.StatusFromMultiple(errs)
}

// mergeCapabilities folds multiple ServerCapabilities messages into
// one. Feature fields are merged as-is; the API version range becomes
// the intersection of the ranges the backends reported.
func (p *mergingProvider) mergeCapabilities(capabilities []*remoteexecution.ServerCapabilities) *remoteexecution.ServerCapabilities {
	var merged remoteexecution.ServerCapabilities
	var maxLowApiVersion, minHighApiVersion, maxDeprecatedApiVersion *semver.SemVer

	for _, capability := range capabilities {
		if capability == nil {
			continue
		}

		maxLowApiVersion = maxSemanticVersions(maxLowApiVersion, capability.LowApiVersion)
		minHighApiVersion = minSemanticVersions(minHighApiVersion, capability.HighApiVersion)
		maxDeprecatedApiVersion = maxSemanticVersions(maxDeprecatedApiVersion, capability.DeprecatedApiVersion)

		// Strip version fields before merging, as the
		// intersection replaces them. The backends own the
		// original messages, so mutate a copy.
		stripped := proto.Clone(capability).(*remoteexecution.ServerCapabilities)
		stripped.LowApiVersion = nil
		stripped.HighApiVersion = nil
		stripped.DeprecatedApiVersion = nil

		proto.Merge(&merged, stripped)
	}

	// An empty intersection leaves the version fields unset, and
	// NewServer() falls back to its defaults.
	if maxLowApiVersion != nil && minHighApiVersion != nil &&
		compareSemanticVersions(maxLowApiVersion, minHighApiVersion) <= 0 {
		merged.LowApiVersion = maxLowApiVersion
		merged.HighApiVersion = minHighApiVersion
	}
	merged.DeprecatedApiVersion = maxDeprecatedApiVersion

	return &merged
}

// minSemanticVersions returns the minimum of two semantic versions.
// Treats nil as plus infinity (so non-nil always wins as minimum).
// Returns nil if both are nil.
func minSemanticVersions(a, b *semver.SemVer) *semver.SemVer {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	if compareSemanticVersions(a, b) <= 0 {
		return a
	}
	return b
}

// maxSemanticVersions returns the maximum of two semantic versions.
// Treats nil as minus infinity (so non-nil always wins as maximum).
// Returns nil if both are nil.
func maxSemanticVersions(a, b *semver.SemVer) *semver.SemVer {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	if compareSemanticVersions(a, b) >= 0 {
		return a
	}
	return b
}

// compareSemanticVersions compares two semantic versions
// Returns: -1 if a < b, 0 if a == b, 1 if a > b
func compareSemanticVersions(a, b *semver.SemVer) int {
	if a.Major != b.Major {
		if a.Major < b.Major {
			return -1
		}
		return 1
	}
	if a.Minor != b.Minor {
		if a.Minor < b.Minor {
			return -1
		}
		return 1
	}
	if a.Patch != b.Patch {
		if a.Patch < b.Patch {
			return -1
		}
		return 1
	}
	return 0
}

type emptyProvider struct{}

func (emptyProvider) GetCapabilities(ctx context.Context, instanceName digest.InstanceName) (*remoteexecution.ServerCapabilities, error) {
	return nil, status.Error(codes.NotFound, "No capabilities providers registered")
}
