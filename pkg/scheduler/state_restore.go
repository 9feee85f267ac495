package scheduler

import (
	"encoding/json"

	remoteexecution "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
	"github.com/toolchainlabs/remexec/pkg/util"

	remoteworkers "google.golang.org/genproto/googleapis/devtools/remoteworkers/v1test2"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// The functions below are only called from NewInMemoryBuildQueue(),
// before the scheduler is exposed to any callers. No lock is held; the
// "Locked" helpers they call are safe because there is no concurrency
// yet.

func (bq *InMemoryBuildQueue) applySnapshot(data json.RawMessage) error {
	var snapshot walSnapshot
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return util.StatusWrap(err, "Failed to unmarshal snapshot")
	}
	for _, w := range snapshot.BotSessions {
		session := botSessionFromWAL(w)
		bq.botSessions[session.name] = session
	}
	for _, w := range snapshot.Operations {
		op, err := operationFromWAL(w)
		if err != nil {
			return util.StatusWrapf(err, "Failed to restore operation %#v", w.Name)
		}
		bq.restoreOperationLocked(op)
	}
	return nil
}

// restoreOperationLocked places a deserialized operation back into the
// queue and bookkeeping structures that match its stage.
func (bq *InMemoryBuildQueue) restoreOperationLocked(op *operation) {
	bq.operations[op.name] = op
	if op.isTerminal() {
		return
	}
	if op.deduplicationKey != "" {
		bq.deduplicatedOperations[op.deduplicationKey] = op
	}
	switch op.stage {
	case remoteexecution.ExecutionStage_QUEUED:
		op.lease = nil
		bq.insertQueuedLocked(op)
	case remoteexecution.ExecutionStage_EXECUTING:
		if op.lease != nil {
			if session, ok := bq.botSessions[op.lease.sessionName]; ok {
				session.operations[op.lease.id] = op
			}
		}
		op.hasExecutionSlot = bq.admitter.TryAcquireExecutionSlot(op.tenant)
	}
}

func (bq *InMemoryBuildQueue) applyJournalRecord(data json.RawMessage) error {
	var record walRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return util.StatusWrap(err, "Failed to unmarshal transition record")
	}
	switch {
	case record.OperationEnqueued != nil:
		op, err := operationFromWAL(record.OperationEnqueued)
		if err != nil {
			return util.StatusWrapf(err, "Failed to restore operation %#v", record.OperationEnqueued.Name)
		}
		bq.restoreOperationLocked(op)
	case record.LeaseIssued != nil:
		r := record.LeaseIssued
		op, ok := bq.operations[r.Name]
		if !ok {
			return status.Errorf(codes.Internal, "Lease record references unknown operation %#v", r.Name)
		}
		if op.queued {
			bq.removeQueuedLocked(op)
		}
		op.stage = remoteexecution.ExecutionStage_EXECUTING
		op.attemptCount++
		op.workerID = r.WorkerID
		op.lease = &lease{
			id:          r.LeaseID,
			sessionName: r.SessionName,
			deadline:    r.Deadline,
			state:       remoteworkers.LeaseState_PENDING,
		}
		if session, ok := bq.botSessions[r.SessionName]; ok {
			session.operations[r.LeaseID] = op
		}
		if !op.hasExecutionSlot {
			op.hasExecutionSlot = bq.admitter.TryAcquireExecutionSlot(op.tenant)
		}
	case record.OperationRequeued != nil:
		r := record.OperationRequeued
		op, ok := bq.operations[r.Name]
		if !ok {
			return status.Errorf(codes.Internal, "Requeue record references unknown operation %#v", r.Name)
		}
		bq.removeLeaseLocked(op)
		bq.releaseExecutionSlotLocked(op)
		op.workerID = ""
		op.attemptCount = r.AttemptCount
		op.stage = remoteexecution.ExecutionStage_QUEUED
		if !op.queued {
			bq.insertQueuedLocked(op)
		}
	case record.OperationCompleted != nil:
		r := record.OperationCompleted
		op, ok := bq.operations[r.Name]
		if !ok {
			return status.Errorf(codes.Internal, "Completion record references unknown operation %#v", r.Name)
		}
		response, err := unmarshalExecuteResponse(r.ExecuteResponse)
		if err != nil {
			return util.StatusWrapf(err, "Failed to restore result of operation %#v", r.Name)
		}
		if op.queued {
			bq.removeQueuedLocked(op)
		}
		bq.removeLeaseLocked(op)
		bq.releaseExecutionSlotLocked(op)
		if op.deduplicationKey != "" {
			delete(bq.deduplicatedOperations, op.deduplicationKey)
			op.deduplicationKey = ""
		}
		op.stage = remoteexecution.ExecutionStage_COMPLETED
		op.executeResponse = response
		op.completedAt = r.CompletedAt
	case record.BotSessionCreated != nil:
		session := botSessionFromWAL(record.BotSessionCreated)
		bq.botSessions[session.name] = session
	case record.BotSessionRemoved != nil:
		// The leases held by the session are requeued through
		// accompanying requeue records, so dropping the session
		// itself is all that is left to do.
		delete(bq.botSessions, record.BotSessionRemoved.Name)
	}
	return nil
}

// reclaimAfterRestoreLocked deals with the time that passed while the
// scheduler was down: sessions and leases whose deadlines elapsed in
// the meantime are discarded, putting their operations back in the
// queue.
func (bq *InMemoryBuildQueue) reclaimAfterRestoreLocked() {
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
		if op.isTerminal() || op.stage != remoteexecution.ExecutionStage_EXECUTING {
			continue
		}
		if op.lease == nil || !now.Before(op.lease.deadline) {
			bq.attemptFailedLocked(op, status.Error(codes.Unavailable, "Lease was lost while the scheduler was offline"), now)
			continue
		}
		if _, ok := bq.botSessions[op.lease.sessionName]; !ok {
			bq.attemptFailedLocked(op, status.Error(codes.Unavailable, "Lease was lost while the scheduler was offline"), now)
		}
	}
}
