package grpc

import (
	"context"
	"net"
	"os"

	grpc_prometheus "github.com/grpc-ecosystem/go-grpc-prometheus"
	"github.com/toolchainlabs/remexec/pkg/auth"
	"github.com/toolchainlabs/remexec/pkg/program"
	"github.com/toolchainlabs/remexec/pkg/util"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/status"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
)

func init() {
	// Add Prometheus timing metrics.
	grpc_prometheus.EnableHandlingTimeHistogram(
		grpc_prometheus.WithHistogramBuckets(
			util.DecimalExponentialBuckets(-3, 6, 2)))
}

// ServerKeepaliveEnforcementPolicy holds the limits on the keepalive
// pings that clients are permitted to send.
type ServerKeepaliveEnforcementPolicy struct {
	// Minimum amount of time between keepalive pings.
	MinTime util.Duration `json:"minTime"`
	// Whether pings are permitted even when no RPCs are in flight.
	PermitWithoutStream bool `json:"permitWithoutStream,omitempty"`
}

// ServerConfiguration holds the options for an incoming gRPC server.
type ServerConfiguration struct {
	// TCP addresses on which to listen, such as ":8980".
	ListenAddresses []string `json:"listenAddresses,omitempty"`
	// UNIX socket paths on which to listen.
	ListenPaths []string `json:"listenPaths,omitempty"`
	// How incoming requests authenticate themselves. Listeners that
	// receive traffic from different parties can use different
	// policies, e.g. a frontend-facing listener trusting the tenant
	// header, while a client-facing one validates JWTs.
	Authentication *AuthenticationPolicy `json:"authentication"`
	// Optional: TLS settings. The server is plaintext if unset.
	TLS *util.TLSConfiguration `json:"tls,omitempty"`
	// Optional: maximum size of incoming messages. The gRPC default
	// of 4 MiB applies if unset.
	MaximumReceivedMessageSizeBytes int `json:"maximumReceivedMessageSizeBytes,omitempty"`
	// Optional: limits on client keepalive pings.
	KeepaliveEnforcementPolicy *ServerKeepaliveEnforcementPolicy `json:"keepaliveEnforcementPolicy,omitempty"`
	// Service name to report as healthy on the standard gRPC health
	// service, such as "remexec".
	HealthCheckService string `json:"healthCheckService,omitempty"`
	// Whether to drain running RPCs on shutdown instead of
	// terminating them.
	StopGracefully bool `json:"stopGracefully,omitempty"`
}

// NewServersFromConfigurationAndServe creates a series of gRPC servers
// based on a list of configuration structures and lets them listen on
// the network addresses and UNIX socket paths provided. Each server
// authenticates requests according to its own authentication policy,
// whose readiness is registered through addReadinessCheck.
//
// If unknownServiceHandler is non-nil, it is invoked for all methods
// that are not registered through registrationFunc. This is how the
// frontend forwards entire gRPC streams to backends without
// deserializing them.
func NewServersFromConfigurationAndServe(configurations []*ServerConfiguration, tenantRegistry *auth.TenantRegistry, registrationFunc func(grpc.ServiceRegistrar), unknownServiceHandler grpc.StreamHandler, group program.Group, addReadinessCheck func(check func() bool)) error {
	for _, configuration := range configurations {
		authenticator, authenticationIsReady, err := NewAuthenticatorFromConfiguration(
			configuration.Authentication,
			tenantRegistry,
			group)
		if err != nil {
			return util.StatusWrap(err, "Failed to create authenticator")
		}
		addReadinessCheck(authenticationIsReady)

		serverOptions := []grpc.ServerOption{
			grpc.ChainUnaryInterceptor(
				grpc_prometheus.UnaryServerInterceptor,
				NewAuthenticatingUnaryInterceptor(authenticator)),
			grpc.ChainStreamInterceptor(
				grpc_prometheus.StreamServerInterceptor,
				NewAuthenticatingStreamInterceptor(authenticator)),
			grpc.StatsHandler(otelgrpc.NewServerHandler()),
		}

		// Optional: TLS transport credentials.
		tlsConfig, err := util.NewTLSConfigFromServerConfiguration(configuration.TLS)
		if err != nil {
			return util.StatusWrap(err, "Failed to create TLS configuration")
		}
		if tlsConfig != nil {
			serverOptions = append(serverOptions, grpc.Creds(credentials.NewTLS(tlsConfig)))
		}

		if maxRecvMsgSize := configuration.MaximumReceivedMessageSizeBytes; maxRecvMsgSize != 0 {
			serverOptions = append(serverOptions, grpc.MaxRecvMsgSize(maxRecvMsgSize))
		}

		// Optional: keepalive enforcement policy.
		if policy := configuration.KeepaliveEnforcementPolicy; policy != nil {
			serverOptions = append(serverOptions, grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
				MinTime:             policy.MinTime.AsDuration(),
				PermitWithoutStream: policy.PermitWithoutStream,
			}))
		}

		if unknownServiceHandler != nil {
			serverOptions = append(serverOptions, grpc.UnknownServiceHandler(unknownServiceHandler))
		}

		// Create server.
		s := grpc.NewServer(serverOptions...)
		stopFunc := s.Stop
		if configuration.StopGracefully {
			stopFunc = s.GracefulStop
		}
		group.Go(func(ctx context.Context, siblingsGroup, dependenciesGroup program.Group) error {
			<-ctx.Done()
			stopFunc()
			return nil
		})
		registrationFunc(s)

		// Enable default services.
		grpc_prometheus.Register(s)
		h := health.NewServer()
		grpc_health_v1.RegisterHealthServer(s, h)
		h.SetServingStatus(configuration.HealthCheckService, grpc_health_v1.HealthCheckResponse_SERVING)

		if len(configuration.ListenAddresses)+len(configuration.ListenPaths) == 0 {
			return status.Error(codes.InvalidArgument, "gRPC server configured without any listen addresses or paths")
		}

		// TCP sockets.
		for _, listenAddress := range configuration.ListenAddresses {
			sock, err := net.Listen("tcp", listenAddress)
			if err != nil {
				return util.StatusWrapf(err, "Failed to create listening socket for %#v", listenAddress)
			}
			group.Go(func(ctx context.Context, siblingsGroup, dependenciesGroup program.Group) error {
				if err := s.Serve(sock); err != nil {
					return util.StatusWrapf(err, "gRPC server failed for %#v", listenAddress)
				}
				return nil
			})
		}

		// UNIX sockets.
		for _, listenPath := range configuration.ListenPaths {
			if err := os.Remove(listenPath); err != nil && !os.IsNotExist(err) {
				return util.StatusWrapf(err, "Could not remove stale socket %#v", listenPath)
			}
			sock, err := net.Listen("unix", listenPath)
			if err != nil {
				return util.StatusWrapf(err, "Failed to create listening socket for %#v", listenPath)
			}
			group.Go(func(ctx context.Context, siblingsGroup, dependenciesGroup program.Group) error {
				if err := s.Serve(sock); err != nil {
					return util.StatusWrapf(err, "gRPC server failed for %#v", listenPath)
				}
				return nil
			})
		}
	}
	return nil
}
