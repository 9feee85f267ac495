package grpc

import (
	"encoding/json"
	"sync"

	"github.com/toolchainlabs/remexec/pkg/util"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
)

type deduplicatingClientFactory struct {
	base ClientFactory

	lock    sync.Mutex
	clients map[string]grpc.ClientConnInterface
}

// NewDeduplicatingClientFactory creates a decorator for ClientFactory
// that deduplicates requests for creating gRPC clients. This means that
// clients for identical endpoints, having identical TLS settings, etc.
// will not cause multiple connections to be established.
func NewDeduplicatingClientFactory(base ClientFactory) ClientFactory {
	return &deduplicatingClientFactory{
		base:    base,
		clients: map[string]grpc.ClientConnInterface{},
	}
}

func (cf *deduplicatingClientFactory) NewClientFromConfiguration(configuration *ClientConfiguration) (grpc.ClientConnInterface, error) {
	keyBytes, err := json.Marshal(configuration)
	if err != nil {
		return nil, util.StatusWrapWithCode(err, codes.InvalidArgument, "Failed to marshal gRPC client configuration")
	}
	key := string(keyBytes)

	cf.lock.Lock()
	defer cf.lock.Unlock()

	// Attempt to return an existing client.
	if client, ok := cf.clients[key]; ok {
		return client, nil
	}

	// Create a new client, as it has a different configuration.
	client, err := cf.base.NewClientFromConfiguration(configuration)
	if err != nil {
		return nil, err
	}
	cf.clients[key] = client
	return client, nil
}
