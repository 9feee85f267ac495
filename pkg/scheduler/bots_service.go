package scheduler

import (
	"context"
	"sort"
	"time"

	remoteexecution "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
	"github.com/toolchainlabs/remexec/pkg/blobstore/buffer"
	"github.com/toolchainlabs/remexec/pkg/clock"
	"github.com/toolchainlabs/remexec/pkg/digest"
	"github.com/toolchainlabs/remexec/pkg/util"

	remoteworkers "google.golang.org/genproto/googleapis/devtools/remoteworkers/v1test2"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/timestamppb"
)

// CreateBotSession registers a worker. The worker must present the same
// tenant credential as the clients whose actions it is allowed to
// execute. If matching work is queued, the response already contains a
// lease for it.
func (bq *InMemoryBuildQueue) CreateBotSession(ctx context.Context, in *remoteworkers.CreateBotSessionRequest) (*remoteworkers.BotSession, error) {
	tenant, err := tenantFromContext(ctx)
	if err != nil {
		return nil, err
	}
	if in.GetBotSession().GetBotId() == "" {
		return nil, status.Error(codes.InvalidArgument, "Bot session does not contain a bot ID")
	}
	id, err := bq.uuidGenerator()
	if err != nil {
		return nil, util.StatusWrapWithCode(err, codes.Internal, "Failed to generate bot session name")
	}
	name := id.String()
	if in.Parent != "" {
		name = in.Parent + "/" + name
	}

	bq.lock.Lock()
	now := bq.clock.Now()
	session := &botSession{
		name:       name,
		tenant:     tenant,
		botID:      in.BotSession.BotId,
		worker:     in.BotSession.GetWorker(),
		properties: workerProperties(in.BotSession.GetWorker()),
		expireAt:   now.Add(bq.configuration.BotSessionTTL),
		operations: map[string]*operation{},
	}
	bq.botSessions[name] = session
	if err := bq.stateStore.Append(&walRecord{
		BotSessionCreated: botSessionToWAL(session),
	}); err != nil {
		delete(bq.botSessions, name)
		bq.lock.Unlock()
		return nil, util.StatusWrap(err, "Failed to persist bot session")
	}
	bq.assignWorkLocked(session, now)
	response := bq.buildBotSessionLocked(session)
	bq.lock.Unlock()
	return response, nil
}

// UpdateBotSession processes the lease states reported by a worker and
// hands out new leases. If the worker is idle and no work is available,
// the call is held open until work arrives or the poll deadline
// elapses.
func (bq *InMemoryBuildQueue) UpdateBotSession(ctx context.Context, in *remoteworkers.UpdateBotSessionRequest) (*remoteworkers.BotSession, error) {
	tenant, err := tenantFromContext(ctx)
	if err != nil {
		return nil, err
	}

	bq.lock.Lock()
	session, ok := bq.botSessions[in.Name]
	if !ok {
		bq.lock.Unlock()
		return nil, status.Errorf(codes.NotFound, "Bot session %#v not found", in.Name)
	}
	if session.tenant != tenant {
		bq.lock.Unlock()
		return nil, status.Error(codes.PermissionDenied, "Bot session belongs to a different tenant")
	}
	now := bq.clock.Now()
	session.expireAt = now.Add(bq.configuration.BotSessionTTL)
	if worker := in.GetBotSession().GetWorker(); worker != nil {
		session.worker = worker
		session.properties = workerProperties(worker)
	}

	type completionReport struct {
		operation *operation
		lease     *remoteworkers.Lease
	}
	reported := in.GetBotSession().GetLeases()
	var completions []completionReport
	for _, reportedLease := range reported {
		op, ok := session.operations[reportedLease.Id]
		if !ok || op.lease == nil || op.lease.id != reportedLease.Id {
			// The lease was reclaimed or cancelled in the
			// meantime. Leaving it out of the response tells
			// the worker to discard it.
			continue
		}
		switch reportedLease.State {
		case remoteworkers.LeaseState_PENDING, remoteworkers.LeaseState_ACTIVE:
			op.lease.state = reportedLease.State
			op.lease.deadline = now.Add(bq.configuration.LeaseInterval)
		case remoteworkers.LeaseState_COMPLETED:
			// Publishing the result requires storage round
			// trips. Extend the lease so that the sweeper
			// leaves the operation alone, and handle the
			// report below with the lock released.
			op.lease.deadline = now.Add(bq.configuration.LeaseInterval)
			op.publishing = true
			delete(session.operations, reportedLease.Id)
			completions = append(completions, completionReport{operation: op, lease: reportedLease})
		case remoteworkers.LeaseState_CANCELLED:
			bq.completeOperationLocked(op, cancelledExecuteResponse(), now)
		}
	}
	terminating := in.GetBotSession().GetStatus() == remoteworkers.BotStatus_BOT_TERMINATING
	if terminating {
		bq.removeBotSessionLocked(session, now)
	}
	bq.lock.Unlock()

	for _, completion := range completions {
		bq.publishCompletion(ctx, completion.operation, completion.lease)
	}
	if terminating {
		return &remoteworkers.BotSession{
			Name:       session.name,
			BotId:      session.botID,
			Status:     remoteworkers.BotStatus_BOT_TERMINATING,
			ExpireTime: timestamppb.New(now),
		}, nil
	}

	var timer clock.Timer
	var timerChannel <-chan time.Time
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()
	reportedSomething := len(reported) > 0
	for {
		bq.lock.Lock()
		if bq.botSessions[in.Name] != session {
			bq.lock.Unlock()
			return nil, status.Errorf(codes.NotFound, "Bot session %#v no longer exists", in.Name)
		}
		now = bq.clock.Now()
		assigned := bq.assignWorkLocked(session, now)
		directivePending := false
		for _, op := range session.operations {
			if op.cancelRequested {
				directivePending = true
			}
		}
		if assigned || directivePending || reportedSomething {
			response := bq.buildBotSessionLocked(session)
			bq.lock.Unlock()
			return response, nil
		}
		wakeup := bq.queueWakeup
		bq.lock.Unlock()

		if timer == nil {
			timer, timerChannel = bq.clock.NewTimer(bq.configuration.PollDeadline)
		}
		select {
		case <-wakeup:
			// Re-evaluate; another session may have taken the
			// work that triggered the wakeup.
		case <-timerChannel:
			bq.lock.Lock()
			if bq.botSessions[in.Name] != session {
				bq.lock.Unlock()
				return nil, status.Errorf(codes.NotFound, "Bot session %#v no longer exists", in.Name)
			}
			response := bq.buildBotSessionLocked(session)
			bq.lock.Unlock()
			return response, nil
		case <-ctx.Done():
			return nil, util.StatusFromContext(ctx)
		}
	}
}

// PostBotEventTemp is not supported by this scheduler.
//
// The method is disabled because no buildable version of
// google.golang.org/genproto still provides both the remoteworkers
// package and the PostBotEventTemp RPC: the RPC was removed upstream
// before the package itself was pruned from the module.
//
// func (bq *InMemoryBuildQueue) PostBotEventTemp(ctx context.Context, in *remoteworkers.PostBotEventTempRequest) (*emptypb.Empty, error) {
// 	return nil, status.Error(codes.Unimplemented, "This service does not support posting bot events")
// }

// assignWorkLocked hands the most urgent matching queued operation to a
// worker. Workers execute one lease at a time; concurrency is modeled
// as multiple bot sessions.
func (bq *InMemoryBuildQueue) assignWorkLocked(session *botSession, now time.Time) bool {
	if len(session.operations) > 0 {
		return false
	}
	var best *operation
	for key, bucket := range bq.queues {
		if key.tenant != session.tenant || len(bucket) == 0 {
			continue
		}
		head := bucket[0]
		if !platformIsSubset(head.platform, session.properties) {
			continue
		}
		if best == nil || bq.operationBefore(head, best) {
			best = head
		}
	}
	if best == nil {
		return false
	}
	if !bq.admitter.TryAcquireExecutionSlot(session.tenant) {
		return false
	}
	id, err := bq.uuidGenerator()
	if err != nil {
		bq.admitter.ReleaseExecutionSlot(session.tenant)
		bq.reportInternalError(util.StatusWrap(err, "Failed to generate lease ID"))
		return false
	}

	bq.removeQueuedLocked(best)
	best.stage = remoteexecution.ExecutionStage_EXECUTING
	best.attemptCount++
	best.workerID = session.botID
	best.hasExecutionSlot = true
	best.lease = &lease{
		id:          id.String(),
		sessionName: session.name,
		deadline:    now.Add(bq.configuration.LeaseInterval),
		state:       remoteworkers.LeaseState_PENDING,
	}
	session.operations[best.lease.id] = best
	if err := bq.stateStore.Append(&walRecord{
		LeaseIssued: &walLeaseIssued{
			Name:        best.name,
			WorkerID:    best.workerID,
			LeaseID:     best.lease.id,
			SessionName: session.name,
			Deadline:    best.lease.deadline,
		},
	}); err != nil {
		bq.reportInternalError(util.StatusWrapf(err, "Failed to persist lease for operation %#v", best.name))
	}
	inMemoryBuildQueueLeasesIssuedTotal.Inc()
	best.notifyWatchersLocked()
	return true
}

// buildBotSessionLocked converts the server-side session state to the
// message returned to the worker. A pending cancellation is
// communicated by returning the lease in the CANCELLED state.
func (bq *InMemoryBuildQueue) buildBotSessionLocked(session *botSession) *remoteworkers.BotSession {
	leases := make([]*remoteworkers.Lease, 0, len(session.operations))
	for leaseID, op := range session.operations {
		state := op.lease.state
		if op.cancelRequested {
			state = remoteworkers.LeaseState_CANCELLED
		}
		leases = append(leases, &remoteworkers.Lease{
			Id: leaseID,
			Payload: mustMarshalAny(&remoteexecution.ExecuteRequest{
				InstanceName:   op.instanceName.String(),
				ActionDigest:   op.actionDigest.GetProto(),
				DigestFunction: op.digestFunction.GetEnumValue(),
			}),
			State:      state,
			ExpireTime: timestamppb.New(op.lease.deadline),
		})
	}
	sort.Slice(leases, func(i, j int) bool { return leases[i].Id < leases[j].Id })
	return &remoteworkers.BotSession{
		Name:       session.name,
		BotId:      session.botID,
		Status:     remoteworkers.BotStatus_OK,
		Worker:     session.worker,
		Leases:     leases,
		ExpireTime: timestamppb.New(session.expireAt),
	}
}

// removeBotSessionLocked removes a session and reclaims its leases.
func (bq *InMemoryBuildQueue) removeBotSessionLocked(session *botSession, now time.Time) {
	if _, ok := bq.botSessions[session.name]; !ok {
		return
	}
	delete(bq.botSessions, session.name)
	if err := bq.stateStore.Append(&walRecord{
		BotSessionRemoved: &walBotSessionRemoved{Name: session.name},
	}); err != nil {
		bq.reportInternalError(util.StatusWrapf(err, "Failed to persist removal of bot session %#v", session.name))
	}
	operations := make([]*operation, 0, len(session.operations))
	for _, op := range session.operations {
		operations = append(operations, op)
	}
	for _, op := range operations {
		if op.publishing {
			// A result for this operation is being published
			// right now, which beats requeueing it.
			continue
		}
		bq.attemptFailedLocked(op, status.Errorf(codes.Unavailable, "Bot session %#v was lost", session.name), now)
	}
}

// resultDigests collects the output digests referenced by an
// ActionResult, which must all be present in the CAS before the result
// may be published.
func resultDigests(result *remoteexecution.ActionResult, digestFunction digest.Function) (digest.Set, error) {
	builder := digest.NewSetBuilder()
	add := func(rawDigest *remoteexecution.Digest) error {
		if rawDigest == nil {
			return nil
		}
		blobDigest, err := digestFunction.NewDigestFromProto(rawDigest)
		if err != nil {
			return err
		}
		builder.Add(blobDigest)
		return nil
	}
	for _, file := range result.GetOutputFiles() {
		if err := add(file.Digest); err != nil {
			return digest.EmptySet, util.StatusWrapf(err, "Invalid digest for output file %#v", file.Path)
		}
	}
	for _, directory := range result.GetOutputDirectories() {
		if err := add(directory.TreeDigest); err != nil {
			return digest.EmptySet, util.StatusWrapf(err, "Invalid digest for output directory %#v", directory.Path)
		}
	}
	if err := add(result.GetStdoutDigest()); err != nil {
		return digest.EmptySet, util.StatusWrap(err, "Invalid digest for standard output")
	}
	if err := add(result.GetStderrDigest()); err != nil {
		return digest.EmptySet, util.StatusWrap(err, "Invalid digest for standard error")
	}
	return builder.Build(), nil
}

// publishCompletion handles a COMPLETED lease report. The result is
// committed only after all digests it references are known to be
// present in the CAS and, for cacheable successful executions, after it
// was written to the Action Cache.
func (bq *InMemoryBuildQueue) publishCompletion(ctx context.Context, op *operation, reportedLease *remoteworkers.Lease) {
	fail := func(cause error) {
		bq.lock.Lock()
		bq.attemptFailedLocked(op, cause, bq.clock.Now())
		bq.lock.Unlock()
	}

	// Infrastructure failures reported by the worker count against
	// the retry budget, like lease expiry does.
	if s := reportedLease.GetStatus(); s != nil && codes.Code(s.Code) != codes.OK {
		fail(status.ErrorProto(s))
		return
	}
	if reportedLease.GetResult() == nil {
		fail(status.Error(codes.FailedPrecondition, "Lease completed without a result"))
		return
	}
	response := &remoteexecution.ExecuteResponse{}
	if err := reportedLease.GetResult().UnmarshalTo(response); err != nil {
		fail(util.StatusWrapWithCode(err, codes.FailedPrecondition, "Failed to unmarshal execute response"))
		return
	}

	if response.GetStatus().GetCode() == int32(codes.OK) && response.GetResult() != nil {
		outputs, err := resultDigests(response.Result, op.digestFunction)
		if err != nil {
			fail(err)
			return
		}
		var missing digest.Set
		if err := bq.callWithRetry(ctx, func() error {
			var err error
			missing, err = bq.contentAddressableStorage.FindMissing(ctx, outputs.RemoveEmptyBlob())
			return err
		}); err != nil {
			fail(util.StatusWrap(err, "Failed to determine presence of outputs"))
			return
		}
		if !missing.Empty() {
			fail(status.Errorf(codes.FailedPrecondition, "Result references %d outputs that are not present in storage", missing.Length()))
			return
		}
		if op.writeToActionCache && response.Result.ExitCode == 0 {
			if err := bq.callWithRetry(ctx, func() error {
				err := bq.actionCache.Put(ctx, op.actionDigest, buffer.NewProtoBufferFromProto(response.Result, buffer.UserProvided))
				if status.Code(err) == codes.AlreadyExists {
					return nil
				}
				return err
			}); err != nil {
				fail(util.StatusWrap(err, "Failed to write result to action cache"))
				return
			}
		}
	}

	bq.lock.Lock()
	if !op.isTerminal() {
		bq.completeOperationLocked(op, response, bq.clock.Now())
	}
	bq.lock.Unlock()
}
