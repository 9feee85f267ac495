package capabilities

import (
	"context"

	remoteexecution "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
	"github.com/toolchainlabs/remexec/pkg/digest"
)

// Provider yields the part of an REv2 ServerCapabilities message that
// one subsystem is authoritative for. The storage layer reports
// CacheCapabilities, the build queue reports ExecutionCapabilities,
// and MergingProvider combines them into the response handed to
// clients.
//
// Implementations must set at least one of CacheCapabilities and
// ExecutionCapabilities on success; REv2 leaves a message with neither
// undefined.
type Provider interface {
	GetCapabilities(ctx context.Context, instanceName digest.InstanceName) (*remoteexecution.ServerCapabilities, error)
}
