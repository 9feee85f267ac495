package scheduler

import (
	"time"
)

// PriorityOrder determines how queued operations inside a single
// (tenant, platform) bucket are ordered.
type PriorityOrder string

const (
	// PriorityOrderFIFOPriorityTiebreak dequeues operations in the
	// order they were enqueued, using the execution priority only to
	// break ties between operations enqueued at the same instant.
	PriorityOrderFIFOPriorityTiebreak PriorityOrder = "fifo_priority_tiebreak"
	// PriorityOrderStrictPriority always dequeues the operation with
	// the most urgent (numerically lowest) execution priority,
	// falling back to enqueueing order between equal priorities.
	PriorityOrderStrictPriority PriorityOrder = "strict_priority"
)

// InMemoryBuildQueueConfiguration contains the tunables of
// InMemoryBuildQueue. NewDefaultInMemoryBuildQueueConfiguration()
// returns the defaults described here.
type InMemoryBuildQueueConfiguration struct {
	// Amount of time a lease remains valid after issuance or
	// refresh. Workers must call UpdateBotSession() at least once
	// per interval to keep their leases.
	LeaseInterval time.Duration
	// Maximum amount of time an UpdateBotSession() call is held open
	// waiting for work before returning an unchanged session.
	PollDeadline time.Duration
	// Amount of time after the last UpdateBotSession() call at which
	// a bot session expires and its leases are reclaimed.
	BotSessionTTL time.Duration
	// Amount of time a worker is given to acknowledge a cancellation
	// directive before the lease is force-expired.
	CancellationGracePeriod time.Duration
	// Number of execution attempts before an operation that keeps
	// losing its lease is completed with an UNAVAILABLE error.
	// Setting this to one disables retrying entirely.
	MaximumAttempts int
	// Ordering of queued operations within a bucket.
	PriorityOrder PriorityOrder
	// Whether results of executions requested with
	// skip_cache_lookup, but without do_not_cache, are still written
	// to the Action Cache.
	WriteActionCacheOnSkippedLookup bool
	// Number of state transitions buffered per execution watcher.
	// Watchers that fall further behind are disconnected.
	WatcherBufferSize int
	// Amount of time completed operations remain addressable through
	// WaitExecution() and GetOperation().
	CompletedOperationRetention time.Duration
}

// NewDefaultInMemoryBuildQueueConfiguration returns the configuration
// that is used where no explicit settings are provided.
func NewDefaultInMemoryBuildQueueConfiguration() InMemoryBuildQueueConfiguration {
	return InMemoryBuildQueueConfiguration{
		LeaseInterval:                   30 * time.Second,
		PollDeadline:                    10 * time.Second,
		BotSessionTTL:                   60 * time.Second,
		CancellationGracePeriod:         10 * time.Second,
		MaximumAttempts:                 3,
		PriorityOrder:                   PriorityOrderFIFOPriorityTiebreak,
		WriteActionCacheOnSkippedLookup: true,
		WatcherBufferSize:               16,
		CompletedOperationRetention:     5 * time.Minute,
	}
}
