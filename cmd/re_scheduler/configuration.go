package main

import (
	"github.com/toolchainlabs/remexec/pkg/auth"
	blobstore_configuration "github.com/toolchainlabs/remexec/pkg/blobstore/configuration"
	"github.com/toolchainlabs/remexec/pkg/global"
	bb_grpc "github.com/toolchainlabs/remexec/pkg/grpc"
	"github.com/toolchainlabs/remexec/pkg/scheduler"
	"github.com/toolchainlabs/remexec/pkg/util"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// applicationConfiguration is the schema of the scheduler's Jsonnet
// configuration file.
type applicationConfiguration struct {
	// Common process-wide options, such as the diagnostics HTTP
	// server.
	Global *global.Configuration `json:"global,omitempty"`
	// gRPC servers to spawn for traffic arriving from the frontend
	// and from workers. These listeners must not be reachable by
	// clients directly, as they typically use a "tenantHeader"
	// authentication policy that trusts the tenant the frontend
	// attached to each forwarded request.
	GrpcServers []*bb_grpc.ServerConfiguration `json:"grpcServers"`
	// Storage backend of the Content Addressable Storage.
	ContentAddressableStorage *blobstore_configuration.BlobAccessConfiguration `json:"contentAddressableStorage"`
	// Storage backend of the Action Cache.
	ActionCache *blobstore_configuration.BlobAccessConfiguration `json:"actionCache"`
	// Maximum size of Protobuf messages that are assembled in
	// memory, such as ActionResult messages and batch read
	// responses. Defaults to 16 MiB.
	MaximumMessageSizeBytes int64 `json:"maximumMessageSizeBytes,omitempty"`
	// Tenants that are allowed on this deployment, including their
	// admission quota.
	Tenants []*auth.Tenant `json:"tenants"`
	// Instance names for which clients may call
	// UpdateActionResult() directly. All other instance names only
	// receive Action Cache entries through the scheduler.
	AllowActionCacheUpdatesForInstanceNames []string `json:"allowActionCacheUpdatesForInstanceNames,omitempty"`
	// JMESPath expression that may grant UpdateActionResult() access
	// in addition to the allowlist above. The expression is evaluated
	// against {"authenticationMetadata": ..., "instanceName": ...}
	// and grants access when it yields true, which allows updates to
	// be restricted to particular identities rather than particular
	// instance names.
	ActionCacheUpdateAuthorizationExpression string `json:"actionCacheUpdateAuthorizationExpression,omitempty"`
	// Directory in which the scheduler persists its state, in the
	// form of a write-ahead log and periodic snapshots. State is
	// kept in memory only if unset, meaning that queued and
	// executing operations do not survive restarts.
	StateDirectoryPath string `json:"stateDirectoryPath,omitempty"`
	// Interval between passes that expire bot sessions and leases.
	// Defaults to 1s.
	SweepInterval util.Duration `json:"sweepInterval,omitempty"`
	// Interval between state snapshots that truncate the write-ahead
	// log. Defaults to 5m.
	SnapshotInterval util.Duration `json:"snapshotInterval,omitempty"`
	// Optional overrides of the build queue's tunables.
	BuildQueue *buildQueueConfiguration `json:"buildQueue,omitempty"`
}

// buildQueueConfiguration optionally overrides individual fields of
// scheduler.NewDefaultInMemoryBuildQueueConfiguration(). Unset fields
// keep their default.
type buildQueueConfiguration struct {
	LeaseInterval                   util.Duration `json:"leaseInterval,omitempty"`
	PollDeadline                    util.Duration `json:"pollDeadline,omitempty"`
	BotSessionTTL                   util.Duration `json:"botSessionTtl,omitempty"`
	CancellationGracePeriod         util.Duration `json:"cancellationGracePeriod,omitempty"`
	MaximumAttempts                 int           `json:"maximumAttempts,omitempty"`
	PriorityOrder                   string        `json:"priorityOrder,omitempty"`
	WriteActionCacheOnSkippedLookup *bool         `json:"writeActionCacheOnSkippedLookup,omitempty"`
	WatcherBufferSize               int           `json:"watcherBufferSize,omitempty"`
	CompletedOperationRetention     util.Duration `json:"completedOperationRetention,omitempty"`
}

func (c *buildQueueConfiguration) apply(target *scheduler.InMemoryBuildQueueConfiguration) error {
	if c == nil {
		return nil
	}
	if d := c.LeaseInterval.AsDuration(); d != 0 {
		target.LeaseInterval = d
	}
	if d := c.PollDeadline.AsDuration(); d != 0 {
		target.PollDeadline = d
	}
	if d := c.BotSessionTTL.AsDuration(); d != 0 {
		target.BotSessionTTL = d
	}
	if d := c.CancellationGracePeriod.AsDuration(); d != 0 {
		target.CancellationGracePeriod = d
	}
	if c.MaximumAttempts != 0 {
		target.MaximumAttempts = c.MaximumAttempts
	}
	switch scheduler.PriorityOrder(c.PriorityOrder) {
	case "":
	case scheduler.PriorityOrderFIFOPriorityTiebreak, scheduler.PriorityOrderStrictPriority:
		target.PriorityOrder = scheduler.PriorityOrder(c.PriorityOrder)
	default:
		return status.Errorf(codes.InvalidArgument, "Unknown priority order %#v", c.PriorityOrder)
	}
	if c.WriteActionCacheOnSkippedLookup != nil {
		target.WriteActionCacheOnSkippedLookup = *c.WriteActionCacheOnSkippedLookup
	}
	if c.WatcherBufferSize != 0 {
		target.WatcherBufferSize = c.WatcherBufferSize
	}
	if d := c.CompletedOperationRetention.AsDuration(); d != 0 {
		target.CompletedOperationRetention = d
	}
	return nil
}
