package grpc

import (
	"context"

	grpc_prometheus "github.com/grpc-ecosystem/go-grpc-prometheus"
	"github.com/sercand/kuberesolver/v5"
	"github.com/toolchainlabs/remexec/pkg/util"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/status"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
)

func init() {
	// Add Prometheus timing metrics.
	grpc_prometheus.EnableClientHandlingTimeHistogram(
		grpc_prometheus.WithHistogramBuckets(
			util.DecimalExponentialBuckets(-3, 6, 2)))

	// Make "kubernetes:///service:port" target addresses resolve to
	// the individual endpoints of a Kubernetes service, so that
	// load balancing takes place across all of its pods.
	kuberesolver.RegisterInCluster()
}

type baseClientFactory struct {
	dialer ClientDialer
}

// NewBaseClientFactory creates a gRPC ClientFactory that applies TLS,
// keepalive and metadata options from the configuration and attaches
// Prometheus and OpenTelemetry instrumentation to all connections.
func NewBaseClientFactory(dialer ClientDialer) ClientFactory {
	return baseClientFactory{
		dialer: dialer,
	}
}

func (cf baseClientFactory) NewClientFromConfiguration(config *ClientConfiguration) (grpc.ClientConnInterface, error) {
	if config == nil {
		return nil, status.Error(codes.InvalidArgument, "No gRPC client configuration provided")
	}
	if config.Address == "" {
		return nil, status.Error(codes.InvalidArgument, "No gRPC client address provided")
	}

	dialOptions := []grpc.DialOption{
		grpc.WithStatsHandler(otelgrpc.NewClientHandler()),
	}
	unaryInterceptors := []grpc.UnaryClientInterceptor{
		grpc_prometheus.UnaryClientInterceptor,
	}
	streamInterceptors := []grpc.StreamClientInterceptor{
		grpc_prometheus.StreamClientInterceptor,
	}

	// Optional: TLS.
	tlsConfig, err := util.NewTLSConfigFromClientConfiguration(config.TLS)
	if err != nil {
		return nil, util.StatusWrap(err, "Failed to create TLS configuration")
	}
	if tlsConfig != nil {
		dialOptions = append(dialOptions, grpc.WithTransportCredentials(credentials.NewTLS(tlsConfig)))
	} else {
		dialOptions = append(dialOptions, grpc.WithTransportCredentials(insecure.NewCredentials()))
	}

	// Optional: keepalive.
	if keepaliveConfig := config.Keepalive; keepaliveConfig != nil {
		dialOptions = append(dialOptions, grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:                keepaliveConfig.Time.AsDuration(),
			Timeout:             keepaliveConfig.Timeout.AsDuration(),
			PermitWithoutStream: keepaliveConfig.PermitWithoutStream,
		}))
	}

	// Optional: metadata forwarding.
	if headers := config.ForwardMetadata; len(headers) > 0 {
		unaryInterceptors = append(
			unaryInterceptors,
			NewMetadataForwardingUnaryClientInterceptor(headers))
		streamInterceptors = append(
			streamInterceptors,
			NewMetadataForwardingStreamClientInterceptor(headers))
	}

	// Optional: set metadata.
	if md := config.AddMetadata; len(md) > 0 {
		var headerValues MetadataHeaderValues
		for header, values := range md {
			headerValues.Add(header, values)
		}
		unaryInterceptors = append(
			unaryInterceptors,
			NewMetadataAddingUnaryClientInterceptor(headerValues))
		streamInterceptors = append(
			streamInterceptors,
			NewMetadataAddingStreamClientInterceptor(headerValues))
	}

	dialOptions = append(
		dialOptions,
		grpc.WithChainUnaryInterceptor(unaryInterceptors...),
		grpc.WithChainStreamInterceptor(streamInterceptors...))
	return cf.dialer(context.Background(), config.Address, dialOptions...)
}
