package capabilities

import (
	"context"

	remoteexecution "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
	"github.com/toolchainlabs/remexec/pkg/digest"
)

type staticProvider struct {
	capabilities *remoteexecution.ServerCapabilities
}

// NewStaticProvider creates a Provider that returns a fixed message
// regardless of instance name. The scheduler declares its cache and
// execution capabilities through two of these and merges them.
func NewStaticProvider(capabilities *remoteexecution.ServerCapabilities) Provider {
	return &staticProvider{
		capabilities: capabilities,
	}
}

func (p *staticProvider) GetCapabilities(ctx context.Context, instanceName digest.InstanceName) (*remoteexecution.ServerCapabilities, error) {
	return p.capabilities, nil
}
