package main

import (
	"context"
	"os"

	"github.com/toolchainlabs/remexec/pkg/auth"
	"github.com/toolchainlabs/remexec/pkg/clock"
	"github.com/toolchainlabs/remexec/pkg/global"
	bb_grpc "github.com/toolchainlabs/remexec/pkg/grpc"
	"github.com/toolchainlabs/remexec/pkg/program"
	"github.com/toolchainlabs/remexec/pkg/proxy"
	"github.com/toolchainlabs/remexec/pkg/util"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func main() {
	program.RunMain(func(ctx context.Context, siblingsGroup, dependenciesGroup program.Group) error {
		if len(os.Args) != 2 {
			return status.Error(codes.InvalidArgument, "Usage: re_frontend re_frontend.jsonnet")
		}
		var configuration applicationConfiguration
		if err := util.UnmarshalConfigurationFromFile(os.Args[1], &configuration); err != nil {
			return util.StatusWrapf(err, "Failed to read configuration from %s", os.Args[1])
		}
		lifecycleState, grpcClientFactory, err := global.ApplyConfiguration(configuration.Global)
		if err != nil {
			return util.StatusWrap(err, "Failed to apply global configuration options")
		}

		tenantRegistry := auth.NewTenantRegistry(configuration.Tenants)
		backendSet, err := proxy.NewBackendSetFromConfiguration(
			configuration.Proxy,
			grpcClientFactory,
			clock.SystemClock)
		if err != nil {
			return util.StatusWrap(err, "Failed to create proxy backends")
		}

		// Streams of the services below are forwarded to a backend
		// without being deserialized. Services that are absent, such
		// as the Bots service used by workers, cannot be reached
		// through the frontend at all.
		proxyHandler := proxy.NewProxyStreamHandler(backendSet)
		unknownServiceHandler := bb_grpc.NewRoutingStreamHandler(map[string]grpc.StreamHandler{
			"build.bazel.remote.execution.v2.ActionCache":               proxyHandler,
			"build.bazel.remote.execution.v2.Capabilities":              proxyHandler,
			"build.bazel.remote.execution.v2.ContentAddressableStorage": proxyHandler,
			"build.bazel.remote.execution.v2.Execution":                 proxyHandler,
			"google.bytestream.ByteStream":                              proxyHandler,
			"google.longrunning.Operations":                             proxyHandler,
		})

		// No services other than the defaults are registered
		// locally. Health checking is answered by the frontend
		// itself rather than by a backend.
		if err := bb_grpc.NewServersFromConfigurationAndServe(
			configuration.GrpcServers,
			tenantRegistry,
			func(s grpc.ServiceRegistrar) {},
			unknownServiceHandler,
			siblingsGroup,
			lifecycleState.AddReadinessCheck); err != nil {
			return util.StatusWrap(err, "gRPC server failure")
		}

		lifecycleState.MarkReadyAndWait(siblingsGroup)
		return nil
	})
}
