package main

import (
	"context"
	"os"
	"time"

	"cloud.google.com/go/longrunning/autogen/longrunningpb"
	remoteexecution "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
	"github.com/google/uuid"
	"github.com/jmespath/go-jmespath"
	"github.com/toolchainlabs/remexec/pkg/auth"
	"github.com/toolchainlabs/remexec/pkg/blobstore"
	"github.com/toolchainlabs/remexec/pkg/blobstore/completenesschecking"
	blobstore_configuration "github.com/toolchainlabs/remexec/pkg/blobstore/configuration"
	"github.com/toolchainlabs/remexec/pkg/blobstore/grpcservers"
	"github.com/toolchainlabs/remexec/pkg/capabilities"
	"github.com/toolchainlabs/remexec/pkg/clock"
	"github.com/toolchainlabs/remexec/pkg/digest"
	"github.com/toolchainlabs/remexec/pkg/global"
	bb_grpc "github.com/toolchainlabs/remexec/pkg/grpc"
	"github.com/toolchainlabs/remexec/pkg/program"
	"github.com/toolchainlabs/remexec/pkg/quota"
	"github.com/toolchainlabs/remexec/pkg/random"
	"github.com/toolchainlabs/remexec/pkg/scheduler"
	"github.com/toolchainlabs/remexec/pkg/statestore"
	"github.com/toolchainlabs/remexec/pkg/util"

	"google.golang.org/genproto/googleapis/bytestream"
	remoteworkers "google.golang.org/genproto/googleapis/devtools/remoteworkers/v1test2"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func main() {
	program.RunMain(func(ctx context.Context, siblingsGroup, dependenciesGroup program.Group) error {
		if len(os.Args) != 2 {
			return status.Error(codes.InvalidArgument, "Usage: re_scheduler re_scheduler.jsonnet")
		}
		var configuration applicationConfiguration
		if err := util.UnmarshalConfigurationFromFile(os.Args[1], &configuration); err != nil {
			return util.StatusWrapf(err, "Failed to read configuration from %s", os.Args[1])
		}
		lifecycleState, grpcClientFactory, err := global.ApplyConfiguration(configuration.Global)
		if err != nil {
			return util.StatusWrap(err, "Failed to apply global configuration options")
		}

		maximumMessageSizeBytes := int(configuration.MaximumMessageSizeBytes)
		if maximumMessageSizeBytes == 0 {
			maximumMessageSizeBytes = 16 * 1024 * 1024
		}

		// Storage access.
		contentAddressableStorage, err := blobstore_configuration.NewCASBlobAccessFromConfiguration(
			configuration.ContentAddressableStorage,
			grpcClientFactory,
			clock.SystemClock)
		if err != nil {
			return util.StatusWrap(err, "Failed to create Content Addressable Storage")
		}
		actionCache, err := blobstore_configuration.NewACBlobAccessFromConfiguration(
			configuration.ActionCache,
			grpcClientFactory,
			clock.SystemClock)
		if err != nil {
			return util.StatusWrap(err, "Failed to create Action Cache")
		}

		// Only hand out Action Cache entries whose referenced
		// output objects are still present in the Content
		// Addressable Storage. Incomplete entries are removed, so
		// that clients fall back to executing the action.
		actionCache = completenesschecking.NewCompletenessCheckingBlobAccess(
			actionCache,
			contentAddressableStorage,
			blobstore.RecommendedFindMissingDigestsCount,
			maximumMessageSizeBytes)

		// Tenants that may use this deployment and their admission
		// limits.
		tenantRegistry := auth.NewTenantRegistry(configuration.Tenants)
		admitter := quota.NewAdmitter(clock.SystemClock, tenantRegistry)

		// Clients may only call UpdateActionResult() for allowlisted
		// instance names, or when the configured expression accepts
		// their authentication metadata.
		actionCacheUpdateTrie := digest.NewInstanceNameTrie()
		for _, instanceNameString := range configuration.AllowActionCacheUpdatesForInstanceNames {
			instanceName, err := digest.NewInstanceName(instanceNameString)
			if err != nil {
				return util.StatusWrapf(err, "Invalid instance name %#v", instanceNameString)
			}
			actionCacheUpdateTrie.Set(instanceName, 0)
		}
		actionCacheUpdateAuthorizers := []auth.Authorizer{
			auth.NewStaticAuthorizer(actionCacheUpdateTrie.ContainsExact),
		}
		if expression := configuration.ActionCacheUpdateAuthorizationExpression; expression != "" {
			compiledExpression, err := jmespath.Compile(expression)
			if err != nil {
				return util.StatusWrapfWithCode(err, codes.InvalidArgument, "Invalid action cache update authorization expression %#v", expression)
			}
			actionCacheUpdateAuthorizers = append(
				actionCacheUpdateAuthorizers,
				auth.NewJMESPathExpressionAuthorizer(compiledExpression))
		}
		actionCacheUpdateAuthorizer := auth.NewAnyAuthorizer(actionCacheUpdateAuthorizers)

		capabilitiesProvider := capabilities.NewActionCacheUpdateEnabledClearingProvider(
			capabilities.NewMergingProvider([]capabilities.Provider{
				capabilities.NewStaticProvider(&remoteexecution.ServerCapabilities{
					CacheCapabilities: &remoteexecution.CacheCapabilities{
						DigestFunctions: digest.SupportedDigestFunctions,
						ActionCacheUpdateCapabilities: &remoteexecution.ActionCacheUpdateCapabilities{
							UpdateEnabled: true,
						},
						SymlinkAbsolutePathStrategy: remoteexecution.SymlinkAbsolutePathStrategy_ALLOWED,
					},
				}),
				capabilities.NewStaticProvider(&remoteexecution.ServerCapabilities{
					ExecutionCapabilities: &remoteexecution.ExecutionCapabilities{
						DigestFunction:  remoteexecution.DigestFunction_SHA256,
						DigestFunctions: digest.SupportedDigestFunctions,
						ExecEnabled:     true,
					},
				}),
			}),
			actionCacheUpdateAuthorizer)

		// Scheduler state persistence. Without a state directory the
		// queue is lost on restart, which is acceptable for
		// development setups.
		var stateStore statestore.StateStore = statestore.NewDiscardingStateStore()
		if configuration.StateDirectoryPath != "" {
			stateStore, err = statestore.NewWALStateStore(configuration.StateDirectoryPath)
			if err != nil {
				return util.StatusWrapf(err, "Failed to open state directory %#v", configuration.StateDirectoryPath)
			}
		}

		buildQueueConfiguration := scheduler.NewDefaultInMemoryBuildQueueConfiguration()
		if err := configuration.BuildQueue.apply(&buildQueueConfiguration); err != nil {
			return util.StatusWrap(err, "Invalid build queue configuration")
		}
		buildQueue, err := scheduler.NewInMemoryBuildQueue(
			contentAddressableStorage,
			actionCache,
			clock.SystemClock,
			uuid.NewRandom,
			random.FastThreadSafeGenerator,
			admitter,
			stateStore,
			util.DefaultErrorLogger,
			buildQueueConfiguration)
		if err != nil {
			return util.StatusWrap(err, "Failed to create build queue")
		}

		sweepInterval := configuration.SweepInterval.AsDuration()
		if sweepInterval == 0 {
			sweepInterval = time.Second
		}
		snapshotInterval := configuration.SnapshotInterval.AsDuration()
		if snapshotInterval == 0 {
			snapshotInterval = 5 * time.Minute
		}
		dependenciesGroup.Go(func(ctx context.Context, siblingsGroup, dependenciesGroup program.Group) error {
			return buildQueue.RunMaintenance(ctx, sweepInterval, snapshotInterval)
		})

		if err := bb_grpc.NewServersFromConfigurationAndServe(
			configuration.GrpcServers,
			tenantRegistry,
			func(s grpc.ServiceRegistrar) {
				remoteexecution.RegisterActionCacheServer(
					s,
					grpcservers.NewActionCacheServer(
						actionCache,
						actionCacheUpdateAuthorizer,
						maximumMessageSizeBytes))
				remoteexecution.RegisterContentAddressableStorageServer(
					s,
					grpcservers.NewContentAddressableStorageServer(
						contentAddressableStorage,
						int64(maximumMessageSizeBytes)))
				bytestream.RegisterByteStreamServer(
					s,
					grpcservers.NewByteStreamServer(
						contentAddressableStorage,
						1<<16))
				remoteexecution.RegisterCapabilitiesServer(s, capabilities.NewServer(capabilitiesProvider))
				remoteexecution.RegisterExecutionServer(s, buildQueue)
				remoteworkers.RegisterBotsServer(s, buildQueue)
				longrunningpb.RegisterOperationsServer(s, buildQueue)
			},
			nil,
			siblingsGroup,
			lifecycleState.AddReadinessCheck); err != nil {
			return util.StatusWrap(err, "gRPC server failure")
		}

		lifecycleState.MarkReadyAndWait(siblingsGroup)
		return nil
	})
}
