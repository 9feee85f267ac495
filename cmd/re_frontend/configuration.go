package main

import (
	"github.com/toolchainlabs/remexec/pkg/auth"
	"github.com/toolchainlabs/remexec/pkg/global"
	bb_grpc "github.com/toolchainlabs/remexec/pkg/grpc"
	"github.com/toolchainlabs/remexec/pkg/proxy"
)

// applicationConfiguration is the schema of the frontend's Jsonnet
// configuration file.
type applicationConfiguration struct {
	// Common process-wide options, such as the diagnostics HTTP
	// server.
	Global *global.Configuration `json:"global,omitempty"`
	// gRPC servers to spawn for traffic arriving from clients. A
	// typical deployment uses a "jwt" authentication policy here,
	// validating bearer tokens against the identity provider's JWKS
	// endpoint.
	GrpcServers []*bb_grpc.ServerConfiguration `json:"grpcServers"`
	// Tenants that are allowed on this deployment. Tokens of
	// unknown or disabled tenants are rejected before any traffic
	// is forwarded.
	Tenants []*auth.Tenant `json:"tenants"`
	// Scheduler backends to which authenticated traffic is
	// forwarded.
	Proxy *proxy.Configuration `json:"proxy"`
}
