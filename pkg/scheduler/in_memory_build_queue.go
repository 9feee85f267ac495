package scheduler

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	remoteexecution "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/toolchainlabs/remexec/pkg/auth"
	"github.com/toolchainlabs/remexec/pkg/blobstore"
	"github.com/toolchainlabs/remexec/pkg/clock"
	"github.com/toolchainlabs/remexec/pkg/digest"
	"github.com/toolchainlabs/remexec/pkg/quota"
	"github.com/toolchainlabs/remexec/pkg/random"
	"github.com/toolchainlabs/remexec/pkg/statestore"
	"github.com/toolchainlabs/remexec/pkg/util"

	"cloud.google.com/go/longrunning/autogen/longrunningpb"
	remoteworkers "google.golang.org/genproto/googleapis/devtools/remoteworkers/v1test2"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

var (
	inMemoryBuildQueuePrometheusMetrics sync.Once

	inMemoryBuildQueueOperationsEnqueuedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "remexec",
			Subsystem: "scheduler",
			Name:      "operations_enqueued_total",
			Help:      "Number of operations that were placed in the queue.",
		})
	inMemoryBuildQueueOperationsDeduplicatedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "remexec",
			Subsystem: "scheduler",
			Name:      "operations_deduplicated_total",
			Help:      "Number of Execute() calls that attached to an existing operation.",
		})
	inMemoryBuildQueueActionCacheHitsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "remexec",
			Subsystem: "scheduler",
			Name:      "action_cache_hits_total",
			Help:      "Number of Execute() calls that were satisfied from the Action Cache.",
		})
	inMemoryBuildQueueLeasesIssuedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "remexec",
			Subsystem: "scheduler",
			Name:      "leases_issued_total",
			Help:      "Number of leases that were handed to workers.",
		})
	inMemoryBuildQueueLeasesExpiredTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "remexec",
			Subsystem: "scheduler",
			Name:      "leases_expired_total",
			Help:      "Number of leases that were reclaimed after their deadline elapsed.",
		})
	inMemoryBuildQueueOperationsCompletedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "remexec",
			Subsystem: "scheduler",
			Name:      "operations_completed_total",
			Help:      "Number of operations that reached a terminal state, by status code.",
		},
		[]string{"grpc_code"})
	inMemoryBuildQueueInternalErrorsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "remexec",
			Subsystem: "scheduler",
			Name:      "internal_errors_total",
			Help:      "Number of invariant violations observed by the scheduler.",
		})
)

const (
	// Maximum size of Action, Command and ActionResult messages
	// obtained from storage.
	maximumMessageSizeBytes = 16 * 1024 * 1024

	// Retry policy for calls against the CAS and Action Cache.
	storageRetryAttempts  = 3
	storageRetryBaseDelay = 100 * time.Millisecond
)

// Operation names are derived from the tenant, the action digest and a
// per-creation salt, so that names are stable under deduplication while
// repeated executions of the same action still receive fresh names.
var operationNameNamespace = uuid.MustParse("e2a37cb8-8e46-4eb2-9aa4-3ff521a9a1f4")

func deduplicationKey(tenant string, actionDigest digest.Digest) string {
	return tenant + "\x00" + actionDigest.GetKey(digest.KeyWithInstance)
}

type queueKey struct {
	tenant   string
	platform string
}

// InMemoryBuildQueue is a scheduler that keeps its state in memory,
// persisting every committed transition to a StateStore so that the
// queue survives restarts. It implements the Remote Execution protocol
// towards clients, the Bots protocol towards workers, and the
// longrunning Operations service for cancellation and polling.
//
// All state is guarded by a single lock. Commit order under that lock
// is also the order in which watchers observe state transitions.
type InMemoryBuildQueue struct {
	contentAddressableStorage blobstore.BlobAccess
	actionCache               blobstore.BlobAccess
	clock                     clock.Clock
	uuidGenerator             util.UUIDGenerator
	randomGenerator           random.ThreadSafeGenerator
	admitter                  *quota.Admitter
	stateStore                statestore.StateStore
	errorLogger               util.ErrorLogger
	configuration             InMemoryBuildQueueConfiguration

	lock                   sync.Mutex
	operations             map[string]*operation
	deduplicatedOperations map[string]*operation
	queues                 map[queueKey][]*operation
	botSessions            map[string]*botSession
	queueWakeup            chan struct{}
}

var (
	_ remoteexecution.ExecutionServer = (*InMemoryBuildQueue)(nil)
	_ remoteworkers.BotsServer        = (*InMemoryBuildQueue)(nil)
	_ longrunningpb.OperationsServer  = (*InMemoryBuildQueue)(nil)
)

// NewInMemoryBuildQueue creates an InMemoryBuildQueue, restoring any
// state held by the provided StateStore. Leases whose deadline elapsed
// while the scheduler was down are reclaimed immediately; leases that
// are still valid resume.
func NewInMemoryBuildQueue(contentAddressableStorage, actionCache blobstore.BlobAccess, clock clock.Clock, uuidGenerator util.UUIDGenerator, randomGenerator random.ThreadSafeGenerator, admitter *quota.Admitter, stateStore statestore.StateStore, errorLogger util.ErrorLogger, configuration InMemoryBuildQueueConfiguration) (*InMemoryBuildQueue, error) {
	inMemoryBuildQueuePrometheusMetrics.Do(func() {
		prometheus.MustRegister(inMemoryBuildQueueOperationsEnqueuedTotal)
		prometheus.MustRegister(inMemoryBuildQueueOperationsDeduplicatedTotal)
		prometheus.MustRegister(inMemoryBuildQueueActionCacheHitsTotal)
		prometheus.MustRegister(inMemoryBuildQueueLeasesIssuedTotal)
		prometheus.MustRegister(inMemoryBuildQueueLeasesExpiredTotal)
		prometheus.MustRegister(inMemoryBuildQueueOperationsCompletedTotal)
		prometheus.MustRegister(inMemoryBuildQueueInternalErrorsTotal)
	})

	bq := &InMemoryBuildQueue{
		contentAddressableStorage: contentAddressableStorage,
		actionCache:               actionCache,
		clock:                     clock,
		uuidGenerator:             uuidGenerator,
		randomGenerator:           randomGenerator,
		admitter:                  admitter,
		stateStore:                stateStore,
		errorLogger:               errorLogger,
		configuration:             configuration,

		operations:             map[string]*operation{},
		deduplicatedOperations: map[string]*operation{},
		queues:                 map[queueKey][]*operation{},
		botSessions:            map[string]*botSession{},
		queueWakeup:            make(chan struct{}),
	}
	if err := stateStore.Restore(bq.applySnapshot, bq.applyJournalRecord); err != nil {
		return nil, util.StatusWrap(err, "Failed to restore scheduler state")
	}
	bq.reclaimAfterRestoreLocked()
	return bq, nil
}

func (bq *InMemoryBuildQueue) reportInternalError(err error) {
	inMemoryBuildQueueInternalErrorsTotal.Inc()
	bq.errorLogger.Log(err)
}

// wakeupLocked signals all long-polling UpdateBotSession() calls that
// the queue changed in a way that may give them work or directives.
func (bq *InMemoryBuildQueue) wakeupLocked() {
	close(bq.queueWakeup)
	bq.queueWakeup = make(chan struct{})
}

// operationBefore determines dequeueing order between two queued
// operations. Numerically lower priorities are more urgent, following
// the Remote Execution protocol's execution policy semantics.
func (bq *InMemoryBuildQueue) operationBefore(a, b *operation) bool {
	if bq.configuration.PriorityOrder == PriorityOrderStrictPriority {
		if a.priority != b.priority {
			return a.priority < b.priority
		}
		if !a.enqueuedAt.Equal(b.enqueuedAt) {
			return a.enqueuedAt.Before(b.enqueuedAt)
		}
	} else {
		if !a.enqueuedAt.Equal(b.enqueuedAt) {
			return a.enqueuedAt.Before(b.enqueuedAt)
		}
		if a.priority != b.priority {
			return a.priority < b.priority
		}
	}
	return a.name < b.name
}

func (bq *InMemoryBuildQueue) insertQueuedLocked(op *operation) {
	key := queueKey{tenant: op.tenant, platform: platformKey(op.platform)}
	bucket := bq.queues[key]
	i := sort.Search(len(bucket), func(i int) bool {
		return bq.operationBefore(op, bucket[i])
	})
	bucket = append(bucket, nil)
	copy(bucket[i+1:], bucket[i:])
	bucket[i] = op
	bq.queues[key] = bucket
	op.queued = true
	op.queueKey = key
}

func (bq *InMemoryBuildQueue) removeQueuedLocked(op *operation) {
	bucket := bq.queues[op.queueKey]
	for i, queuedOperation := range bucket {
		if queuedOperation == op {
			bucket = append(bucket[:i], bucket[i+1:]...)
			break
		}
	}
	if len(bucket) == 0 {
		delete(bq.queues, op.queueKey)
	} else {
		bq.queues[op.queueKey] = bucket
	}
	op.queued = false
}

// removeLeaseLocked detaches the operation from the bot session that
// currently holds its lease, if any.
func (bq *InMemoryBuildQueue) removeLeaseLocked(op *operation) {
	if op.lease == nil {
		return
	}
	if session, ok := bq.botSessions[op.lease.sessionName]; ok {
		delete(session.operations, op.lease.id)
	}
	op.lease = nil
}

func (bq *InMemoryBuildQueue) releaseExecutionSlotLocked(op *operation) {
	if op.hasExecutionSlot {
		bq.admitter.ReleaseExecutionSlot(op.tenant)
		op.hasExecutionSlot = false
	}
}

func cancelledExecuteResponse() *remoteexecution.ExecuteResponse {
	return &remoteexecution.ExecuteResponse{
		Status: status.New(codes.Canceled, "Operation was cancelled").Proto(),
	}
}

// completeOperationLocked commits a terminal state. The operation is
// removed from the queue, its lease and execution slot are released,
// the transition is persisted, and all watchers receive the final state
// exactly once.
func (bq *InMemoryBuildQueue) completeOperationLocked(op *operation, response *remoteexecution.ExecuteResponse, now time.Time) {
	if op.isTerminal() {
		bq.reportInternalError(status.Errorf(codes.Internal, "Operation %#v completed twice", op.name))
		return
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
	op.completedAt = now
	op.publishing = false
	op.workerID = ""

	if data, err := marshalExecuteResponse(response); err != nil {
		bq.reportInternalError(err)
	} else if err := bq.stateStore.Append(&walRecord{
		OperationCompleted: &walOperationCompleted{
			Name:            op.name,
			ExecuteResponse: data,
			CompletedAt:     now,
		},
	}); err != nil {
		bq.reportInternalError(util.StatusWrapf(err, "Failed to persist completion of operation %#v", op.name))
	}
	inMemoryBuildQueueOperationsCompletedTotal.WithLabelValues(
		codes.Code(response.GetStatus().GetCode()).String()).Inc()
	op.notifyWatchersLocked()
	// Completion may have freed up an execution slot.
	bq.wakeupLocked()
}

// attemptFailedLocked handles the loss of an execution attempt due to
// an infrastructure failure: lease expiry, bot session loss, or an
// incomplete result. The operation is requeued unless its retry budget
// is exhausted or cancellation was requested in the meantime.
func (bq *InMemoryBuildQueue) attemptFailedLocked(op *operation, cause error, now time.Time) {
	if op.isTerminal() {
		return
	}
	bq.removeLeaseLocked(op)
	bq.releaseExecutionSlotLocked(op)
	op.publishing = false
	op.workerID = ""

	if op.cancelRequested {
		bq.completeOperationLocked(op, cancelledExecuteResponse(), now)
		return
	}
	if op.attemptCount >= bq.configuration.MaximumAttempts {
		bq.completeOperationLocked(op, &remoteexecution.ExecuteResponse{
			Status: status.Newf(codes.Unavailable, "Too many worker failures: %s", cause).Proto(),
		}, now)
		return
	}

	op.stage = remoteexecution.ExecutionStage_QUEUED
	bq.insertQueuedLocked(op)
	if err := bq.stateStore.Append(&walRecord{
		OperationRequeued: &walOperationRequeued{
			Name:         op.name,
			AttemptCount: op.attemptCount,
		},
	}); err != nil {
		bq.reportInternalError(util.StatusWrapf(err, "Failed to persist requeueing of operation %#v", op.name))
	}
	op.notifyWatchersLocked()
	bq.wakeupLocked()
}

// callWithRetry invokes a storage operation, retrying transient
// failures with bounded exponential backoff and full jitter.
func (bq *InMemoryBuildQueue) callWithRetry(ctx context.Context, f func() error) error {
	delay := storageRetryBaseDelay
	for attempt := 1; ; attempt++ {
		err := f()
		if status.Code(err) != codes.Unavailable || attempt >= storageRetryAttempts {
			return err
		}
		timer, timerChannel := bq.clock.NewTimer(
			time.Duration(bq.randomGenerator.Float64() * float64(delay)))
		select {
		case <-ctx.Done():
			timer.Stop()
			return util.StatusFromContext(ctx)
		case <-timerChannel:
		}
		delay *= 2
	}
}

type operationStream interface {
	Send(*longrunningpb.Operation) error
}

func (bq *InMemoryBuildQueue) streamOperation(ctx context.Context, op *operation, w *watcher, out operationStream) error {
	for {
		select {
		case message, ok := <-w.operations:
			if !ok {
				bq.lock.Lock()
				dropped := w.dropped
				bq.lock.Unlock()
				if dropped {
					return status.Error(codes.Canceled, "Client failed to keep up with state transitions")
				}
				return nil
			}
			if err := out.Send(message); err != nil {
				bq.detachWatcher(op, w)
				return err
			}
		case <-ctx.Done():
			bq.detachWatcher(op, w)
			return util.StatusFromContext(ctx)
		}
	}
}

func (bq *InMemoryBuildQueue) detachWatcher(op *operation, w *watcher) {
	bq.lock.Lock()
	op.detachWatcherLocked(w)
	bq.lock.Unlock()
}

func tenantFromContext(ctx context.Context) (string, error) {
	tenant := auth.AuthenticationMetadataFromContext(ctx).GetTenant()
	if tenant == "" {
		return "", status.Error(codes.Unauthenticated, "Request does not carry an authenticated tenant")
	}
	return tenant, nil
}

// Execute runs an action, either by returning a cached result, by
// attaching to an identical in-flight operation, or by placing a new
// operation in the queue. The returned stream reports every state
// transition of the operation up to and including the terminal one.
func (bq *InMemoryBuildQueue) Execute(in *remoteexecution.ExecuteRequest, out remoteexecution.Execution_ExecuteServer) error {
	ctx := out.Context()
	tenant, err := tenantFromContext(ctx)
	if err != nil {
		return err
	}
	if err := bq.admitter.AdmitExecute(tenant); err != nil {
		return err
	}

	instanceName, err := digest.NewInstanceName(in.InstanceName)
	if err != nil {
		return util.StatusWrapf(err, "Invalid instance name %#v", in.InstanceName)
	}
	digestFunction, err := instanceName.GetDigestFunction(in.DigestFunction, len(in.ActionDigest.GetHash()))
	if err != nil {
		return err
	}
	actionDigest, err := digestFunction.NewDigestFromProto(in.ActionDigest)
	if err != nil {
		return util.StatusWrap(err, "Failed to extract digest for action")
	}

	var action *remoteexecution.Action
	if err := bq.callWithRetry(ctx, func() error {
		message, err := bq.contentAddressableStorage.Get(ctx, actionDigest).ToProto(&remoteexecution.Action{}, maximumMessageSizeBytes)
		if err != nil {
			return err
		}
		action = message.(*remoteexecution.Action)
		return nil
	}); err != nil {
		if status.Code(err) == codes.NotFound {
			return util.StatusWrapWithCode(err, codes.InvalidArgument, "Failed to obtain action")
		}
		return util.StatusWrap(err, "Failed to obtain action")
	}

	// Clients predating the platform field on Action declare the
	// platform on the Command instead.
	platform := action.Platform
	if platform == nil && action.CommandDigest != nil {
		commandDigest, err := digestFunction.NewDigestFromProto(action.CommandDigest)
		if err != nil {
			return util.StatusWrap(err, "Failed to extract digest for command")
		}
		if err := bq.callWithRetry(ctx, func() error {
			message, err := bq.contentAddressableStorage.Get(ctx, commandDigest).ToProto(&remoteexecution.Command{}, maximumMessageSizeBytes)
			if err != nil {
				return err
			}
			platform = message.(*remoteexecution.Command).Platform
			return nil
		}); err != nil {
			if status.Code(err) == codes.NotFound {
				return util.StatusWrapWithCode(err, codes.InvalidArgument, "Failed to obtain command")
			}
			return util.StatusWrap(err, "Failed to obtain command")
		}
	}
	sortPlatformProperties(platform)

	key := ""
	if !action.DoNotCache && !in.SkipCacheLookup {
		key = deduplicationKey(tenant, actionDigest)
	}

	// Attach to an identical in-flight operation if one exists.
	if key != "" {
		bq.lock.Lock()
		if existing, ok := bq.deduplicatedOperations[key]; ok {
			w := existing.attachWatcherLocked(bq.configuration.WatcherBufferSize)
			bq.lock.Unlock()
			inMemoryBuildQueueOperationsDeduplicatedTotal.Inc()
			return bq.streamOperation(ctx, existing, w, out)
		}
		bq.lock.Unlock()
	}

	now := bq.clock.Now()
	if !in.SkipCacheLookup {
		var cachedResult *remoteexecution.ActionResult
		err := bq.callWithRetry(ctx, func() error {
			message, err := bq.actionCache.Get(ctx, actionDigest).ToProto(&remoteexecution.ActionResult{}, maximumMessageSizeBytes)
			if err != nil {
				return err
			}
			cachedResult = message.(*remoteexecution.ActionResult)
			return nil
		})
		if err == nil {
			bq.lock.Lock()
			op := bq.newOperationLocked(tenant, instanceName, digestFunction, actionDigest, platform, in.GetExecutionPolicy().GetPriority(), action.DoNotCache, false, now)
			op.stage = remoteexecution.ExecutionStage_COMPLETED
			op.executeResponse = &remoteexecution.ExecuteResponse{
				Result:       cachedResult,
				CachedResult: true,
			}
			op.completedAt = now
			op.deduplicationKey = ""
			bq.operations[op.name] = op
			w := op.attachWatcherLocked(bq.configuration.WatcherBufferSize)
			bq.lock.Unlock()
			inMemoryBuildQueueActionCacheHitsTotal.Inc()
			return bq.streamOperation(ctx, op, w, out)
		}
		if status.Code(err) != codes.NotFound {
			return util.StatusWrap(err, "Failed to query action cache")
		}
	}

	writeToActionCache := !action.DoNotCache &&
		(!in.SkipCacheLookup || bq.configuration.WriteActionCacheOnSkippedLookup)

	bq.lock.Lock()
	// The cache lookup above ran without the lock held, so an
	// identical request may have been enqueued concurrently.
	if key != "" {
		if existing, ok := bq.deduplicatedOperations[key]; ok {
			w := existing.attachWatcherLocked(bq.configuration.WatcherBufferSize)
			bq.lock.Unlock()
			inMemoryBuildQueueOperationsDeduplicatedTotal.Inc()
			return bq.streamOperation(ctx, existing, w, out)
		}
	}
	op := bq.newOperationLocked(tenant, instanceName, digestFunction, actionDigest, platform, in.GetExecutionPolicy().GetPriority(), action.DoNotCache, writeToActionCache, now)
	if key == "" {
		op.deduplicationKey = ""
	}
	record, err := operationToWAL(op)
	if err != nil {
		bq.lock.Unlock()
		return err
	}
	if err := bq.stateStore.Append(&walRecord{OperationEnqueued: record}); err != nil {
		bq.lock.Unlock()
		return util.StatusWrap(err, "Failed to persist operation")
	}
	bq.operations[op.name] = op
	if op.deduplicationKey != "" {
		bq.deduplicatedOperations[op.deduplicationKey] = op
	}
	bq.insertQueuedLocked(op)
	bq.wakeupLocked()
	w := op.attachWatcherLocked(bq.configuration.WatcherBufferSize)
	bq.lock.Unlock()
	inMemoryBuildQueueOperationsEnqueuedTotal.Inc()
	return bq.streamOperation(ctx, op, w, out)
}

// newOperationLocked creates an operation in the QUEUED stage without
// registering it anywhere.
func (bq *InMemoryBuildQueue) newOperationLocked(tenant string, instanceName digest.InstanceName, digestFunction digest.Function, actionDigest digest.Digest, platform *remoteexecution.Platform, priority int32, doNotCache, writeToActionCache bool, now time.Time) *operation {
	salt := fmt.Sprintf("%016x", bq.randomGenerator.Uint64())
	name := uuid.NewSHA1(
		operationNameNamespace,
		[]byte(tenant+"\x00"+actionDigest.GetKey(digest.KeyWithInstance)+"\x00"+salt)).String()
	return &operation{
		name:               name,
		tenant:             tenant,
		instanceName:       instanceName,
		digestFunction:     digestFunction,
		actionDigest:       actionDigest,
		platform:           platform,
		priority:           priority,
		doNotCache:         doNotCache,
		writeToActionCache: writeToActionCache,
		deduplicationKey:   deduplicationKey(tenant, actionDigest),
		enqueuedAt:         now,
		stage:              remoteexecution.ExecutionStage_QUEUED,
	}
}

// WaitExecution attaches to an existing operation, streaming its state
// transitions the same way Execute() does.
func (bq *InMemoryBuildQueue) WaitExecution(in *remoteexecution.WaitExecutionRequest, out remoteexecution.Execution_WaitExecutionServer) error {
	tenant, err := tenantFromContext(out.Context())
	if err != nil {
		return err
	}
	bq.lock.Lock()
	op, err := bq.getOperationForTenantLocked(tenant, in.Name)
	if err != nil {
		bq.lock.Unlock()
		return err
	}
	w := op.attachWatcherLocked(bq.configuration.WatcherBufferSize)
	bq.lock.Unlock()
	return bq.streamOperation(out.Context(), op, w, out)
}
