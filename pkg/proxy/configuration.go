package proxy

import (
	"github.com/toolchainlabs/remexec/pkg/clock"
	bb_grpc "github.com/toolchainlabs/remexec/pkg/grpc"
	"github.com/toolchainlabs/remexec/pkg/util"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Configuration holds the options of a BackendSet.
type Configuration struct {
	// Connections to the upstream backends. Each entry becomes a
	// separate backend for the purpose of load balancing and
	// ejection, so a cluster can be listed either as individual
	// addresses or as a single "dns:///" or "kubernetes:///" target
	// whose internal resolver spreads the load.
	Backends []*bb_grpc.ClientConfiguration `json:"backends"`
	// Number of consecutive failures after which a backend is
	// ejected.
	MaximumConsecutiveFailures int `json:"maximumConsecutiveFailures"`
	// Amount of time an ejected backend is skipped before a single
	// probe stream is allowed through again.
	EjectionCooldown util.Duration `json:"ejectionCooldown"`
}

// NewBackendSetFromConfiguration creates a BackendSet with a connection
// for every backend listed in the configuration.
func NewBackendSetFromConfiguration(configuration *Configuration, clientFactory bb_grpc.ClientFactory, clock clock.Clock) (*BackendSet, error) {
	if len(configuration.Backends) == 0 {
		return nil, status.Error(codes.InvalidArgument, "No proxy backends configured")
	}
	if configuration.MaximumConsecutiveFailures < 1 {
		return nil, status.Error(codes.InvalidArgument, "Maximum consecutive failures must be at least 1")
	}
	backendSet := NewBackendSet(
		clock,
		configuration.MaximumConsecutiveFailures,
		configuration.EjectionCooldown.AsDuration())
	for _, backendConfiguration := range configuration.Backends {
		conn, err := clientFactory.NewClientFromConfiguration(backendConfiguration)
		if err != nil {
			return nil, util.StatusWrapf(err, "Failed to create client for backend %#v", backendConfiguration.Address)
		}
		backendSet.AddBackend(backendConfiguration.Address, conn)
	}
	return backendSet, nil
}
