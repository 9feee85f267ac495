package scheduler

import (
	"context"
	"sort"
	"time"

	remoteexecution "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
	"github.com/toolchainlabs/remexec/pkg/util"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Sweep performs one pass of time-based housekeeping: it removes bot
// sessions that failed to call UpdateBotSession before their TTL
// elapsed, reclaims expired leases, force-cancels operations whose
// worker did not acknowledge a cancellation within the grace period,
// and purges terminal operations past the retention period.
func (bq *InMemoryBuildQueue) Sweep() {
	bq.lock.Lock()
	defer bq.lock.Unlock()
	now := bq.clock.Now()

	sessions := make([]*botSession, 0, len(bq.botSessions))
	for _, session := range bq.botSessions {
		sessions = append(sessions, session)
	}
	for _, session := range sessions {
		if !now.Before(session.expireAt) {
			bq.removeBotSessionLocked(session, now)
		}
	}

	operations := make([]*operation, 0, len(bq.operations))
	for _, op := range bq.operations {
		operations = append(operations, op)
	}
	for _, op := range operations {
		if op.isTerminal() {
			if !now.Before(op.completedAt.Add(bq.configuration.CompletedOperationRetention)) {
				delete(bq.operations, op.name)
			}
			continue
		}
		if op.stage != remoteexecution.ExecutionStage_EXECUTING || op.publishing || op.lease == nil {
			continue
		}
		if op.cancelRequested && !now.Before(op.cancelRequestedAt.Add(bq.configuration.CancellationGracePeriod)) {
			// The worker did not acknowledge the cancellation
			// in time. Its session can no longer be trusted to
			// report accurate lease states.
			if session, ok := bq.botSessions[op.lease.sessionName]; ok {
				session.suspect = true
			}
			bq.completeOperationLocked(op, cancelledExecuteResponse(), now)
			continue
		}
		if !now.Before(op.lease.deadline) {
			if session, ok := bq.botSessions[op.lease.sessionName]; ok {
				session.suspect = true
			}
			inMemoryBuildQueueLeasesExpiredTotal.Inc()
			bq.attemptFailedLocked(op, status.Error(codes.Unavailable, "Worker failed to refresh the lease before its deadline"), now)
		}
	}
}

// TakeStateSnapshot serializes the full scheduler state into the state
// store, truncating the journal. The scheduler is paused while the
// snapshot is constructed in memory; the expensive part, writing it to
// disk, happens inside the state store under its own lock.
func (bq *InMemoryBuildQueue) TakeStateSnapshot() error {
	bq.lock.Lock()
	defer bq.lock.Unlock()

	snapshot := walSnapshot{
		Operations:  make([]*walOperation, 0, len(bq.operations)),
		BotSessions: make([]*walBotSession, 0, len(bq.botSessions)),
	}
	for _, op := range bq.operations {
		w, err := operationToWAL(op)
		if err != nil {
			return util.StatusWrapf(err, "Failed to serialize operation %#v", op.name)
		}
		snapshot.Operations = append(snapshot.Operations, w)
	}
	for _, session := range bq.botSessions {
		snapshot.BotSessions = append(snapshot.BotSessions, botSessionToWAL(session))
	}
	sort.Slice(snapshot.Operations, func(i, j int) bool {
		return snapshot.Operations[i].Name < snapshot.Operations[j].Name
	})
	sort.Slice(snapshot.BotSessions, func(i, j int) bool {
		return snapshot.BotSessions[i].Name < snapshot.BotSessions[j].Name
	})
	return bq.stateStore.TakeSnapshot(&snapshot)
}

// RunMaintenance runs the sweeper and the snapshotter until the context
// is cancelled. It is intended to be run as a background routine next
// to the gRPC services.
func (bq *InMemoryBuildQueue) RunMaintenance(ctx context.Context, sweepInterval, snapshotInterval time.Duration) error {
	sweepTicker, sweepChannel := bq.clock.NewTicker(sweepInterval)
	defer sweepTicker.Stop()
	snapshotTicker, snapshotChannel := bq.clock.NewTicker(snapshotInterval)
	defer snapshotTicker.Stop()
	for {
		select {
		case <-sweepChannel:
			bq.Sweep()
		case <-snapshotChannel:
			if err := bq.TakeStateSnapshot(); err != nil {
				bq.reportInternalError(util.StatusWrap(err, "Failed to take state snapshot"))
			}
		case <-ctx.Done():
			return nil
		}
	}
}
