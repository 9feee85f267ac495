package capabilities

import (
	"context"

	remoteexecution "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
	"github.com/toolchainlabs/remexec/pkg/auth"
	"github.com/toolchainlabs/remexec/pkg/digest"
	"github.com/toolchainlabs/remexec/pkg/util"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/proto"
)

type actionCacheUpdateEnabledClearingProvider struct {
	base       Provider
	authorizer auth.Authorizer
}

// NewActionCacheUpdateEnabledClearingProvider creates a decorator that
// clears ActionCacheUpdateCapabilities.update_enabled in responses for
// instance names the given Authorizer denies. Clients such as Bazel
// consult this field before attempting UpdateActionResult(), so
// keeping it consistent with the Action Cache's own write gate avoids
// spurious PermissionDenied errors on their side.
func NewActionCacheUpdateEnabledClearingProvider(base Provider, authorizer auth.Authorizer) Provider {
	return &actionCacheUpdateEnabledClearingProvider{
		base:       base,
		authorizer: authorizer,
	}
}

func (p *actionCacheUpdateEnabledClearingProvider) GetCapabilities(ctx context.Context, instanceName digest.InstanceName) (*remoteexecution.ServerCapabilities, error) {
	serverCapabilities, err := p.base.GetCapabilities(ctx, instanceName)
	if err != nil {
		return nil, err
	}

	if serverCapabilities.CacheCapabilities.GetActionCacheUpdateCapabilities().GetUpdateEnabled() {
		if err := auth.AuthorizeSingleInstanceName(ctx, p.authorizer, instanceName); err != nil {
			if status.Code(err) == codes.PermissionDenied {
				// The base provider's message is shared, so
				// clear the field on a copy.
				var copiedCapabilities remoteexecution.ServerCapabilities
				proto.Merge(&copiedCapabilities, serverCapabilities)
				copiedCapabilities.CacheCapabilities.ActionCacheUpdateCapabilities.UpdateEnabled = false
				return &copiedCapabilities, nil
			}
			return nil, util.StatusWrap(err, "Authorization")
		}
	}

	return serverCapabilities, nil
}
