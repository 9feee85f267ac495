package grpc

import (
	"github.com/toolchainlabs/remexec/pkg/util"

	"google.golang.org/grpc"
)

// ClientKeepaliveConfiguration holds the keepalive pings that a client
// sends on idle connections.
type ClientKeepaliveConfiguration struct {
	// Interval between keepalive pings.
	Time util.Duration `json:"time"`
	// Amount of time after which the connection is closed if no
	// acknowledgment of a ping is received.
	Timeout util.Duration `json:"timeout"`
	// Whether pings should be sent even when no RPCs are in flight.
	PermitWithoutStream bool `json:"permitWithoutStream,omitempty"`
}

// ClientConfiguration holds the options for creating an outgoing gRPC
// connection. The address may use any resolver scheme registered with
// the gRPC library, including "dns:///" and "kubernetes:///".
type ClientConfiguration struct {
	Address string `json:"address"`
	// Optional: TLS settings. The connection is plaintext if unset.
	TLS *util.TLSConfiguration `json:"tls,omitempty"`
	// Optional: keepalive pings.
	Keepalive *ClientKeepaliveConfiguration `json:"keepalive,omitempty"`
	// Optional: incoming metadata headers that are copied into
	// outgoing requests, such as credentials.
	ForwardMetadata []string `json:"forwardMetadata,omitempty"`
	// Optional: headers that are attached to all outgoing requests.
	AddMetadata map[string][]string `json:"addMetadata,omitempty"`
}

// ClientFactory can be used to construct gRPC clients based on options
// specified in a configuration structure.
type ClientFactory interface {
	NewClientFromConfiguration(configuration *ClientConfiguration) (grpc.ClientConnInterface, error)
}

// DefaultClientFactory is an instance of ClientFactory that can be used
// to create gRPC client connections. All of the clients returned by
// this factory connect to their backend lazily. They are also
// deduplicated if multiple calls for the same configuration are made.
var DefaultClientFactory = NewDeduplicatingClientFactory(NewBaseClientFactory(NewLazyClientDialer(BaseClientDialer)))
