package scheduler_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	remoteexecution "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"github.com/toolchainlabs/remexec/pkg/auth"
	"github.com/toolchainlabs/remexec/pkg/blobstore"
	"github.com/toolchainlabs/remexec/pkg/blobstore/buffer"
	"github.com/toolchainlabs/remexec/pkg/clock"
	"github.com/toolchainlabs/remexec/pkg/digest"
	"github.com/toolchainlabs/remexec/pkg/quota"
	"github.com/toolchainlabs/remexec/pkg/random"
	"github.com/toolchainlabs/remexec/pkg/scheduler"
	"github.com/toolchainlabs/remexec/pkg/statestore"
	"github.com/toolchainlabs/remexec/pkg/testutil"

	"cloud.google.com/go/longrunning/autogen/longrunningpb"
	remoteworkers "google.golang.org/genproto/googleapis/devtools/remoteworkers/v1test2"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/anypb"
)

type collectingErrorLogger struct {
	lock   sync.Mutex
	errors []error
}

func (el *collectingErrorLogger) Log(err error) {
	el.lock.Lock()
	el.errors = append(el.errors, err)
	el.lock.Unlock()
}

// fakeExecutionStream captures the Operation messages sent on an
// Execute() or WaitExecution() stream.
type fakeExecutionStream struct {
	grpc.ServerStream
	ctx context.Context

	lock     sync.Mutex
	messages []*longrunningpb.Operation
}

func (s *fakeExecutionStream) Context() context.Context {
	return s.ctx
}

func (s *fakeExecutionStream) Send(operation *longrunningpb.Operation) error {
	s.lock.Lock()
	s.messages = append(s.messages, operation)
	s.lock.Unlock()
	return nil
}

func (s *fakeExecutionStream) messageCount() int {
	s.lock.Lock()
	defer s.lock.Unlock()
	return len(s.messages)
}

func (s *fakeExecutionStream) lastMessage() *longrunningpb.Operation {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.messages[len(s.messages)-1]
}

type buildQueueFixture struct {
	buildQueue                *scheduler.InMemoryBuildQueue
	contentAddressableStorage blobstore.BlobAccess
	actionCache               blobstore.BlobAccess
	clock                     *clock.DeterministicClock
	errorLogger               *collectingErrorLogger
}

func newBuildQueueFixture(t *testing.T, tenants []*auth.Tenant, stateStore statestore.StateStore) *buildQueueFixture {
	return newBuildQueueFixtureWithConfiguration(t, tenants, stateStore, scheduler.NewDefaultInMemoryBuildQueueConfiguration())
}

func newBuildQueueFixtureWithConfiguration(t *testing.T, tenants []*auth.Tenant, stateStore statestore.StateStore, configuration scheduler.InMemoryBuildQueueConfiguration) *buildQueueFixture {
	deterministicClock := clock.NewDeterministicClock(time.Unix(1000, 0))
	contentAddressableStorage := blobstore.NewInMemoryBlobAccess(blobstore.CASReadBufferFactory, digest.KeyWithInstance, 16*1024*1024)
	actionCache := blobstore.NewInMemoryBlobAccess(blobstore.ACReadBufferFactory, digest.KeyWithInstance, 16*1024*1024)
	admitter := quota.NewAdmitter(deterministicClock, auth.NewTenantRegistry(tenants))
	var uuidLock sync.Mutex
	uuidSeed := 0
	uuidGenerator := func() (uuid.UUID, error) {
		uuidLock.Lock()
		defer uuidLock.Unlock()
		uuidSeed++
		return uuid.NewSHA1(uuid.Nil, []byte(fmt.Sprintf("%d", uuidSeed))), nil
	}
	errorLogger := &collectingErrorLogger{}
	buildQueue, err := scheduler.NewInMemoryBuildQueue(
		contentAddressableStorage,
		actionCache,
		deterministicClock,
		uuidGenerator,
		random.FastThreadSafeGenerator,
		admitter,
		stateStore,
		errorLogger,
		configuration)
	require.NoError(t, err)
	return &buildQueueFixture{
		buildQueue:                buildQueue,
		contentAddressableStorage: contentAddressableStorage,
		actionCache:               actionCache,
		clock:                     deterministicClock,
		errorLogger:               errorLogger,
	}
}

func tenantContext(tenant string) context.Context {
	return auth.NewContextWithAuthenticationMetadata(
		context.Background(),
		auth.MustNewAuthenticationMetadataFromRaw(map[string]any{"tenant": tenant}))
}

func sha256Function(t *testing.T) digest.Function {
	digestFunction, err := digest.MustNewInstanceName("").GetDigestFunction(remoteexecution.DigestFunction_SHA256, 0)
	require.NoError(t, err)
	return digestFunction
}

func storeProto(t *testing.T, blobAccess blobstore.BlobAccess, digestFunction digest.Function, m proto.Message) digest.Digest {
	data, err := proto.Marshal(m)
	require.NoError(t, err)
	generator := digestFunction.NewGenerator()
	_, err = generator.Write(data)
	require.NoError(t, err)
	blobDigest := generator.Sum()
	require.NoError(t, blobAccess.Put(
		context.Background(),
		blobDigest,
		buffer.NewCASBufferFromByteSlice(blobDigest, data, buffer.UserProvided)))
	return blobDigest
}

// storeAction places a Command and an Action referencing it in the CAS,
// returning the Action's digest.
func (f *buildQueueFixture) storeAction(t *testing.T, arguments []string, platform *remoteexecution.Platform) digest.Digest {
	digestFunction := sha256Function(t)
	commandDigest := storeProto(t, f.contentAddressableStorage, digestFunction, &remoteexecution.Command{
		Arguments: arguments,
	})
	return storeProto(t, f.contentAddressableStorage, digestFunction, &remoteexecution.Action{
		CommandDigest: commandDigest.GetProto(),
		Platform:      platform,
	})
}

func executeRequest(actionDigest digest.Digest) *remoteexecution.ExecuteRequest {
	return &remoteexecution.ExecuteRequest{
		ActionDigest:   actionDigest.GetProto(),
		DigestFunction: remoteexecution.DigestFunction_SHA256,
	}
}

func requireExecuteResponse(t *testing.T, operation *longrunningpb.Operation) *remoteexecution.ExecuteResponse {
	require.True(t, operation.Done)
	response := &remoteexecution.ExecuteResponse{}
	require.NoError(t, operation.GetResponse().UnmarshalTo(response))
	return response
}

func mustAny(t *testing.T, m proto.Message) *anypb.Any {
	a, err := anypb.New(m)
	require.NoError(t, err)
	return a
}

func leasedActionDigest(t *testing.T, lease *remoteworkers.Lease) *remoteexecution.Digest {
	payload := &remoteexecution.ExecuteRequest{}
	require.NoError(t, lease.Payload.UnmarshalTo(payload))
	return payload.ActionDigest
}

// completeLease reports a lease as completed with the given result,
// returning the session message produced by the same update. If more
// work is queued, that message already carries the next lease.
func (f *buildQueueFixture) completeLease(t *testing.T, ctx context.Context, session *remoteworkers.BotSession, leaseID string, result *remoteexecution.ActionResult) *remoteworkers.BotSession {
	updated, err := f.buildQueue.UpdateBotSession(ctx, &remoteworkers.UpdateBotSessionRequest{
		Name: session.Name,
		BotSession: &remoteworkers.BotSession{
			Name:   session.Name,
			BotId:  session.BotId,
			Status: remoteworkers.BotStatus_OK,
			Leases: []*remoteworkers.Lease{{
				Id:     leaseID,
				State:  remoteworkers.LeaseState_COMPLETED,
				Result: mustAny(t, &remoteexecution.ExecuteResponse{Result: result}),
			}},
		},
	})
	require.NoError(t, err)
	return updated
}

var linuxPlatform = &remoteexecution.Platform{
	Properties: []*remoteexecution.Platform_Property{
		{Name: "os", Value: "linux"},
	},
}

var linuxWorker = &remoteworkers.Worker{
	Properties: []*remoteworkers.Worker_Property{
		{Key: "os", Value: "linux"},
	},
}

func TestInMemoryBuildQueueExecuteUnauthenticated(t *testing.T) {
	f := newBuildQueueFixture(t, nil, statestore.NewDiscardingStateStore())
	actionDigest := f.storeAction(t, []string{"true"}, linuxPlatform)

	stream := &fakeExecutionStream{ctx: context.Background()}
	testutil.RequireEqualStatus(
		t,
		status.Error(codes.Unauthenticated, "Request does not carry an authenticated tenant"),
		f.buildQueue.Execute(executeRequest(actionDigest), stream))
}

func TestInMemoryBuildQueueExecuteMissingAction(t *testing.T) {
	f := newBuildQueueFixture(
		t,
		[]*auth.Tenant{{Name: "acme"}},
		statestore.NewDiscardingStateStore())
	actionDigest := digest.MustNewDigest("", "8b1a9953c4611296a827abf8c47804d7eae4d1586e1fcf05b5e14023fd54f1bc", 123)

	stream := &fakeExecutionStream{ctx: tenantContext("acme")}
	err := f.buildQueue.Execute(executeRequest(actionDigest), stream)
	require.Equal(t, codes.InvalidArgument, status.Code(err))
}

func TestInMemoryBuildQueueExecuteCacheHit(t *testing.T) {
	f := newBuildQueueFixture(
		t,
		[]*auth.Tenant{{Name: "acme"}},
		statestore.NewDiscardingStateStore())
	actionDigest := f.storeAction(t, []string{"true"}, linuxPlatform)
	cachedResult := &remoteexecution.ActionResult{ExitCode: 0}
	require.NoError(t, f.actionCache.Put(
		context.Background(),
		actionDigest,
		buffer.NewProtoBufferFromProto(cachedResult, buffer.UserProvided)))

	stream := &fakeExecutionStream{ctx: tenantContext("acme")}
	require.NoError(t, f.buildQueue.Execute(executeRequest(actionDigest), stream))

	response := requireExecuteResponse(t, stream.lastMessage())
	require.True(t, response.CachedResult)
	testutil.RequireEqualProto(t, cachedResult, response.Result)
}

func TestInMemoryBuildQueueExecuteLifecycle(t *testing.T) {
	f := newBuildQueueFixture(
		t,
		[]*auth.Tenant{{Name: "acme"}},
		statestore.NewDiscardingStateStore())
	ctx := tenantContext("acme")
	actionDigest := f.storeAction(t, []string{"clang", "hello.c"}, linuxPlatform)

	stream := &fakeExecutionStream{ctx: ctx}
	executeDone := make(chan error, 1)
	go func() {
		executeDone <- f.buildQueue.Execute(executeRequest(actionDigest), stream)
	}()
	require.Eventually(t, func() bool { return stream.messageCount() >= 1 }, 10*time.Second, time.Millisecond)

	// The worker shows up and receives a lease for the action.
	session, err := f.buildQueue.CreateBotSession(ctx, &remoteworkers.CreateBotSessionRequest{
		Parent: "acme",
		BotSession: &remoteworkers.BotSession{
			BotId:  "worker-1",
			Status: remoteworkers.BotStatus_OK,
			Worker: linuxWorker,
		},
	})
	require.NoError(t, err)
	require.Len(t, session.Leases, 1)
	require.Equal(t, remoteworkers.LeaseState_PENDING, session.Leases[0].State)
	payload := &remoteexecution.ExecuteRequest{}
	require.NoError(t, session.Leases[0].Payload.UnmarshalTo(payload))
	testutil.RequireEqualProto(t, actionDigest.GetProto(), payload.ActionDigest)

	// The worker completes the lease. The result is published and the
	// lease disappears from the session.
	actionResult := &remoteexecution.ActionResult{ExitCode: 0}
	updated, err := f.buildQueue.UpdateBotSession(ctx, &remoteworkers.UpdateBotSessionRequest{
		Name: session.Name,
		BotSession: &remoteworkers.BotSession{
			Name:   session.Name,
			BotId:  "worker-1",
			Status: remoteworkers.BotStatus_OK,
			Leases: []*remoteworkers.Lease{{
				Id:     session.Leases[0].Id,
				State:  remoteworkers.LeaseState_COMPLETED,
				Result: mustAny(t, &remoteexecution.ExecuteResponse{Result: actionResult}),
			}},
		},
	})
	require.NoError(t, err)
	require.Empty(t, updated.Leases)

	require.NoError(t, <-executeDone)
	response := requireExecuteResponse(t, stream.lastMessage())
	require.False(t, response.CachedResult)
	testutil.RequireEqualProto(t, actionResult, response.Result)

	// The successful result must have been written to the Action
	// Cache, so that the next Execute() call does not build again.
	storedResult, err := f.actionCache.Get(ctx, actionDigest).ToProto(&remoteexecution.ActionResult{}, 16*1024*1024)
	require.NoError(t, err)
	testutil.RequireEqualProto(t, actionResult, storedResult)
}

func TestInMemoryBuildQueueDeduplication(t *testing.T) {
	f := newBuildQueueFixture(
		t,
		[]*auth.Tenant{{Name: "acme"}},
		statestore.NewDiscardingStateStore())
	ctx := tenantContext("acme")
	actionDigest := f.storeAction(t, []string{"clang", "hello.c"}, linuxPlatform)

	stream1 := &fakeExecutionStream{ctx: ctx}
	stream2 := &fakeExecutionStream{ctx: ctx}
	executeDone := make(chan error, 2)
	go func() {
		executeDone <- f.buildQueue.Execute(executeRequest(actionDigest), stream1)
	}()
	require.Eventually(t, func() bool { return stream1.messageCount() >= 1 }, 10*time.Second, time.Millisecond)
	go func() {
		executeDone <- f.buildQueue.Execute(executeRequest(actionDigest), stream2)
	}()
	require.Eventually(t, func() bool { return stream2.messageCount() >= 1 }, 10*time.Second, time.Millisecond)

	// Both calls must observe the same operation.
	require.Equal(t, stream1.lastMessage().Name, stream2.lastMessage().Name)

	session, err := f.buildQueue.CreateBotSession(ctx, &remoteworkers.CreateBotSessionRequest{
		BotSession: &remoteworkers.BotSession{
			BotId:  "worker-1",
			Status: remoteworkers.BotStatus_OK,
			Worker: linuxWorker,
		},
	})
	require.NoError(t, err)
	require.Len(t, session.Leases, 1)

	actionResult := &remoteexecution.ActionResult{ExitCode: 0}
	_, err = f.buildQueue.UpdateBotSession(ctx, &remoteworkers.UpdateBotSessionRequest{
		Name: session.Name,
		BotSession: &remoteworkers.BotSession{
			Name:   session.Name,
			BotId:  "worker-1",
			Status: remoteworkers.BotStatus_OK,
			Leases: []*remoteworkers.Lease{{
				Id:     session.Leases[0].Id,
				State:  remoteworkers.LeaseState_COMPLETED,
				Result: mustAny(t, &remoteexecution.ExecuteResponse{Result: actionResult}),
			}},
		},
	})
	require.NoError(t, err)

	require.NoError(t, <-executeDone)
	require.NoError(t, <-executeDone)
	testutil.RequireEqualProto(t, actionResult, requireExecuteResponse(t, stream1.lastMessage()).Result)
	testutil.RequireEqualProto(t, actionResult, requireExecuteResponse(t, stream2.lastMessage()).Result)
}

func TestInMemoryBuildQueueCancelQueued(t *testing.T) {
	f := newBuildQueueFixture(
		t,
		[]*auth.Tenant{{Name: "acme"}},
		statestore.NewDiscardingStateStore())
	ctx := tenantContext("acme")
	actionDigest := f.storeAction(t, []string{"true"}, linuxPlatform)

	stream := &fakeExecutionStream{ctx: ctx}
	executeDone := make(chan error, 1)
	go func() {
		executeDone <- f.buildQueue.Execute(executeRequest(actionDigest), stream)
	}()
	require.Eventually(t, func() bool { return stream.messageCount() >= 1 }, 10*time.Second, time.Millisecond)
	operationName := stream.lastMessage().Name

	// A queued operation completes immediately upon cancellation, and
	// cancelling it a second time has no further effect.
	_, err := f.buildQueue.CancelOperation(ctx, &longrunningpb.CancelOperationRequest{Name: operationName})
	require.NoError(t, err)
	_, err = f.buildQueue.CancelOperation(ctx, &longrunningpb.CancelOperationRequest{Name: operationName})
	require.NoError(t, err)

	require.NoError(t, <-executeDone)
	response := requireExecuteResponse(t, stream.lastMessage())
	require.Equal(t, int32(codes.Canceled), response.GetStatus().GetCode())
}

func TestInMemoryBuildQueueCancelExecuting(t *testing.T) {
	f := newBuildQueueFixture(
		t,
		[]*auth.Tenant{{Name: "acme"}},
		statestore.NewDiscardingStateStore())
	ctx := tenantContext("acme")
	actionDigest := f.storeAction(t, []string{"sleep", "infinity"}, linuxPlatform)

	stream := &fakeExecutionStream{ctx: ctx}
	executeDone := make(chan error, 1)
	go func() {
		executeDone <- f.buildQueue.Execute(executeRequest(actionDigest), stream)
	}()
	require.Eventually(t, func() bool { return stream.messageCount() >= 1 }, 10*time.Second, time.Millisecond)
	operationName := stream.lastMessage().Name

	session, err := f.buildQueue.CreateBotSession(ctx, &remoteworkers.CreateBotSessionRequest{
		BotSession: &remoteworkers.BotSession{
			BotId:  "worker-1",
			Status: remoteworkers.BotStatus_OK,
			Worker: linuxWorker,
		},
	})
	require.NoError(t, err)
	require.Len(t, session.Leases, 1)
	leaseID := session.Leases[0].Id

	_, err = f.buildQueue.CancelOperation(ctx, &longrunningpb.CancelOperationRequest{Name: operationName})
	require.NoError(t, err)

	// The next session update carries the cancellation directive.
	updated, err := f.buildQueue.UpdateBotSession(ctx, &remoteworkers.UpdateBotSessionRequest{
		Name: session.Name,
		BotSession: &remoteworkers.BotSession{
			Name:   session.Name,
			BotId:  "worker-1",
			Status: remoteworkers.BotStatus_OK,
			Leases: []*remoteworkers.Lease{{
				Id:    leaseID,
				State: remoteworkers.LeaseState_ACTIVE,
			}},
		},
	})
	require.NoError(t, err)
	require.Len(t, updated.Leases, 1)
	require.Equal(t, remoteworkers.LeaseState_CANCELLED, updated.Leases[0].State)

	// Acknowledging the directive completes the operation.
	_, err = f.buildQueue.UpdateBotSession(ctx, &remoteworkers.UpdateBotSessionRequest{
		Name: session.Name,
		BotSession: &remoteworkers.BotSession{
			Name:   session.Name,
			BotId:  "worker-1",
			Status: remoteworkers.BotStatus_OK,
			Leases: []*remoteworkers.Lease{{
				Id:    leaseID,
				State: remoteworkers.LeaseState_CANCELLED,
			}},
		},
	})
	require.NoError(t, err)

	require.NoError(t, <-executeDone)
	response := requireExecuteResponse(t, stream.lastMessage())
	require.Equal(t, int32(codes.Canceled), response.GetStatus().GetCode())
}

func TestInMemoryBuildQueueLeaseExpiry(t *testing.T) {
	f := newBuildQueueFixture(
		t,
		[]*auth.Tenant{{Name: "acme"}},
		statestore.NewDiscardingStateStore())
	ctx := tenantContext("acme")
	actionDigest := f.storeAction(t, []string{"flaky-tool"}, linuxPlatform)

	stream := &fakeExecutionStream{ctx: ctx}
	executeDone := make(chan error, 1)
	go func() {
		executeDone <- f.buildQueue.Execute(executeRequest(actionDigest), stream)
	}()
	require.Eventually(t, func() bool { return stream.messageCount() >= 1 }, 10*time.Second, time.Millisecond)

	session, err := f.buildQueue.CreateBotSession(ctx, &remoteworkers.CreateBotSessionRequest{
		BotSession: &remoteworkers.BotSession{
			BotId:  "worker-1",
			Status: remoteworkers.BotStatus_OK,
			Worker: linuxWorker,
		},
	})
	require.NoError(t, err)
	require.Len(t, session.Leases, 1)

	// Let the lease expire three times. The first two expiries requeue
	// the operation; the third exhausts the retry budget.
	for attempt := 0; ; attempt++ {
		f.clock.Advance(31 * time.Second)
		f.buildQueue.Sweep()
		if attempt == 2 {
			break
		}
		updated, err := f.buildQueue.UpdateBotSession(ctx, &remoteworkers.UpdateBotSessionRequest{
			Name: session.Name,
			BotSession: &remoteworkers.BotSession{
				Name:   session.Name,
				BotId:  "worker-1",
				Status: remoteworkers.BotStatus_OK,
			},
		})
		require.NoError(t, err)
		require.Len(t, updated.Leases, 1)
	}

	require.NoError(t, <-executeDone)
	response := requireExecuteResponse(t, stream.lastMessage())
	require.Equal(t, int32(codes.Unavailable), response.GetStatus().GetCode())
	require.Contains(t, response.GetStatus().GetMessage(), "Too many worker failures")
}

func TestInMemoryBuildQueueExecutionSlotCap(t *testing.T) {
	f := newBuildQueueFixture(
		t,
		[]*auth.Tenant{{Name: "acme", MaximumInFlightOperations: 1}},
		statestore.NewDiscardingStateStore())
	ctx := tenantContext("acme")
	actionDigest1 := f.storeAction(t, []string{"clang", "a.c"}, linuxPlatform)
	actionDigest2 := f.storeAction(t, []string{"clang", "b.c"}, linuxPlatform)

	stream1 := &fakeExecutionStream{ctx: ctx}
	stream2 := &fakeExecutionStream{ctx: ctx}
	executeDone := make(chan error, 2)
	go func() {
		executeDone <- f.buildQueue.Execute(executeRequest(actionDigest1), stream1)
	}()
	go func() {
		executeDone <- f.buildQueue.Execute(executeRequest(actionDigest2), stream2)
	}()
	require.Eventually(t, func() bool {
		return stream1.messageCount() >= 1 && stream2.messageCount() >= 1
	}, 10*time.Second, time.Millisecond)

	// Only one operation may execute at a time, so the second worker
	// receives no work even though the queue is not empty.
	session1, err := f.buildQueue.CreateBotSession(ctx, &remoteworkers.CreateBotSessionRequest{
		BotSession: &remoteworkers.BotSession{
			BotId:  "worker-1",
			Status: remoteworkers.BotStatus_OK,
			Worker: linuxWorker,
		},
	})
	require.NoError(t, err)
	require.Len(t, session1.Leases, 1)
	session2, err := f.buildQueue.CreateBotSession(ctx, &remoteworkers.CreateBotSessionRequest{
		BotSession: &remoteworkers.BotSession{
			BotId:  "worker-2",
			Status: remoteworkers.BotStatus_OK,
			Worker: linuxWorker,
		},
	})
	require.NoError(t, err)
	require.Empty(t, session2.Leases)

	// Completing the first operation frees the slot.
	actionResult := &remoteexecution.ActionResult{ExitCode: 0}
	_, err = f.buildQueue.UpdateBotSession(ctx, &remoteworkers.UpdateBotSessionRequest{
		Name: session1.Name,
		BotSession: &remoteworkers.BotSession{
			Name:   session1.Name,
			BotId:  "worker-1",
			Status: remoteworkers.BotStatus_OK,
			Leases: []*remoteworkers.Lease{{
				Id:     session1.Leases[0].Id,
				State:  remoteworkers.LeaseState_COMPLETED,
				Result: mustAny(t, &remoteexecution.ExecuteResponse{Result: actionResult}),
			}},
		},
	})
	require.NoError(t, err)
	require.NoError(t, <-executeDone)

	updated, err := f.buildQueue.UpdateBotSession(ctx, &remoteworkers.UpdateBotSessionRequest{
		Name: session2.Name,
		BotSession: &remoteworkers.BotSession{
			Name:   session2.Name,
			BotId:  "worker-2",
			Status: remoteworkers.BotStatus_OK,
		},
	})
	require.NoError(t, err)
	require.Len(t, updated.Leases, 1)

	_, err = f.buildQueue.UpdateBotSession(ctx, &remoteworkers.UpdateBotSessionRequest{
		Name: session2.Name,
		BotSession: &remoteworkers.BotSession{
			Name:   session2.Name,
			BotId:  "worker-2",
			Status: remoteworkers.BotStatus_OK,
			Leases: []*remoteworkers.Lease{{
				Id:     updated.Leases[0].Id,
				State:  remoteworkers.LeaseState_COMPLETED,
				Result: mustAny(t, &remoteexecution.ExecuteResponse{Result: actionResult}),
			}},
		},
	})
	require.NoError(t, err)
	require.NoError(t, <-executeDone)
}

func TestInMemoryBuildQueueCrossTenantIsolation(t *testing.T) {
	f := newBuildQueueFixture(
		t,
		[]*auth.Tenant{{Name: "acme"}, {Name: "globex"}},
		statestore.NewDiscardingStateStore())
	actionDigest := f.storeAction(t, []string{"true"}, linuxPlatform)

	stream := &fakeExecutionStream{ctx: tenantContext("acme")}
	executeDone := make(chan error, 1)
	go func() {
		executeDone <- f.buildQueue.Execute(executeRequest(actionDigest), stream)
	}()
	require.Eventually(t, func() bool { return stream.messageCount() >= 1 }, 10*time.Second, time.Millisecond)
	operationName := stream.lastMessage().Name

	// Another tenant must not be able to observe or cancel the
	// operation, nor may its workers receive the lease.
	_, err := f.buildQueue.GetOperation(tenantContext("globex"), &longrunningpb.GetOperationRequest{Name: operationName})
	testutil.RequireEqualStatus(
		t,
		status.Errorf(codes.NotFound, "Operation %#v not found", operationName),
		err)
	_, err = f.buildQueue.CancelOperation(tenantContext("globex"), &longrunningpb.CancelOperationRequest{Name: operationName})
	require.Equal(t, codes.NotFound, status.Code(err))
	session, err := f.buildQueue.CreateBotSession(tenantContext("globex"), &remoteworkers.CreateBotSessionRequest{
		BotSession: &remoteworkers.BotSession{
			BotId:  "globex-worker",
			Status: remoteworkers.BotStatus_OK,
			Worker: linuxWorker,
		},
	})
	require.NoError(t, err)
	require.Empty(t, session.Leases)

	_, err = f.buildQueue.CancelOperation(tenantContext("acme"), &longrunningpb.CancelOperationRequest{Name: operationName})
	require.NoError(t, err)
	require.NoError(t, <-executeDone)
}

func TestInMemoryBuildQueuePlatformMatching(t *testing.T) {
	f := newBuildQueueFixture(
		t,
		[]*auth.Tenant{{Name: "acme"}},
		statestore.NewDiscardingStateStore())
	ctx := tenantContext("acme")
	actionDigest := f.storeAction(t, []string{"clang"}, &remoteexecution.Platform{
		Properties: []*remoteexecution.Platform_Property{
			{Name: "arch", Value: "arm64"},
			{Name: "os", Value: "linux"},
		},
	})

	stream := &fakeExecutionStream{ctx: ctx}
	executeDone := make(chan error, 1)
	go func() {
		executeDone <- f.buildQueue.Execute(executeRequest(actionDigest), stream)
	}()
	require.Eventually(t, func() bool { return stream.messageCount() >= 1 }, 10*time.Second, time.Millisecond)
	operationName := stream.lastMessage().Name

	// A worker that only offers a subset of the required properties
	// must not receive the lease.
	session, err := f.buildQueue.CreateBotSession(ctx, &remoteworkers.CreateBotSessionRequest{
		BotSession: &remoteworkers.BotSession{
			BotId:  "x86-worker",
			Status: remoteworkers.BotStatus_OK,
			Worker: linuxWorker,
		},
	})
	require.NoError(t, err)
	require.Empty(t, session.Leases)

	session, err = f.buildQueue.CreateBotSession(ctx, &remoteworkers.CreateBotSessionRequest{
		BotSession: &remoteworkers.BotSession{
			BotId:  "arm-worker",
			Status: remoteworkers.BotStatus_OK,
			Worker: &remoteworkers.Worker{
				Properties: []*remoteworkers.Worker_Property{
					{Key: "os", Value: "linux"},
					{Key: "arch", Value: "arm64"},
					{Key: "gpu", Value: "none"},
				},
			},
		},
	})
	require.NoError(t, err)
	require.Len(t, session.Leases, 1)

	_, err = f.buildQueue.CancelOperation(ctx, &longrunningpb.CancelOperationRequest{Name: operationName})
	require.NoError(t, err)
	_, err = f.buildQueue.UpdateBotSession(ctx, &remoteworkers.UpdateBotSessionRequest{
		Name: session.Name,
		BotSession: &remoteworkers.BotSession{
			Name:   session.Name,
			BotId:  "arm-worker",
			Status: remoteworkers.BotStatus_OK,
			Leases: []*remoteworkers.Lease{{
				Id:    session.Leases[0].Id,
				State: remoteworkers.LeaseState_CANCELLED,
			}},
		},
	})
	require.NoError(t, err)
	require.NoError(t, <-executeDone)
}

func TestInMemoryBuildQueueRestart(t *testing.T) {
	directory := t.TempDir()
	stateStore1, err := statestore.NewWALStateStore(directory)
	require.NoError(t, err)
	f1 := newBuildQueueFixture(t, []*auth.Tenant{{Name: "acme"}}, stateStore1)
	actionDigest := f1.storeAction(t, []string{"clang", "hello.c"}, linuxPlatform)

	streamCtx, cancelStream := context.WithCancel(tenantContext("acme"))
	stream := &fakeExecutionStream{ctx: streamCtx}
	executeDone := make(chan error, 1)
	go func() {
		executeDone <- f1.buildQueue.Execute(executeRequest(actionDigest), stream)
	}()
	require.Eventually(t, func() bool { return stream.messageCount() >= 1 }, 10*time.Second, time.Millisecond)
	operationName := stream.lastMessage().Name

	// Simulate a crash: the client goes away and the scheduler is
	// recreated from the state directory.
	cancelStream()
	require.Error(t, <-executeDone)
	require.NoError(t, stateStore1.Close())

	stateStore2, err := statestore.NewWALStateStore(directory)
	require.NoError(t, err)
	f2 := newBuildQueueFixture(t, []*auth.Tenant{{Name: "acme"}}, stateStore2)

	ctx := tenantContext("acme")
	operation, err := f2.buildQueue.GetOperation(ctx, &longrunningpb.GetOperationRequest{Name: operationName})
	require.NoError(t, err)
	require.False(t, operation.Done)

	// The restored operation is still queued and can be executed.
	session, err := f2.buildQueue.CreateBotSession(ctx, &remoteworkers.CreateBotSessionRequest{
		BotSession: &remoteworkers.BotSession{
			BotId:  "worker-1",
			Status: remoteworkers.BotStatus_OK,
			Worker: linuxWorker,
		},
	})
	require.NoError(t, err)
	require.Len(t, session.Leases, 1)
	payload := &remoteexecution.ExecuteRequest{}
	require.NoError(t, session.Leases[0].Payload.UnmarshalTo(payload))
	testutil.RequireEqualProto(t, actionDigest.GetProto(), payload.ActionDigest)
}

func TestInMemoryBuildQueueWaitOperationTimeout(t *testing.T) {
	f := newBuildQueueFixture(
		t,
		[]*auth.Tenant{{Name: "acme"}},
		statestore.NewDiscardingStateStore())
	ctx := tenantContext("acme")
	actionDigest := f.storeAction(t, []string{"true"}, linuxPlatform)

	stream := &fakeExecutionStream{ctx: ctx}
	executeDone := make(chan error, 1)
	go func() {
		executeDone <- f.buildQueue.Execute(executeRequest(actionDigest), stream)
	}()
	require.Eventually(t, func() bool { return stream.messageCount() >= 1 }, 10*time.Second, time.Millisecond)
	operationName := stream.lastMessage().Name

	waitCtx, cancelWait := context.WithCancel(ctx)
	cancelWait()
	_, err := f.buildQueue.WaitOperation(waitCtx, &longrunningpb.WaitOperationRequest{Name: operationName})
	require.Equal(t, codes.Canceled, status.Code(err))

	_, err = f.buildQueue.CancelOperation(ctx, &longrunningpb.CancelOperationRequest{Name: operationName})
	require.NoError(t, err)
	require.NoError(t, <-executeDone)

	// After completion, WaitOperation() returns immediately.
	operation, err := f.buildQueue.WaitOperation(ctx, &longrunningpb.WaitOperationRequest{Name: operationName})
	require.NoError(t, err)
	require.True(t, operation.Done)
}

func TestInMemoryBuildQueueWaitExecution(t *testing.T) {
	f := newBuildQueueFixture(
		t,
		[]*auth.Tenant{{Name: "acme"}},
		statestore.NewDiscardingStateStore())
	ctx := tenantContext("acme")
	actionDigest := f.storeAction(t, []string{"clang", "hello.c"}, linuxPlatform)

	stream := &fakeExecutionStream{ctx: ctx}
	executeDone := make(chan error, 1)
	go func() {
		executeDone <- f.buildQueue.Execute(executeRequest(actionDigest), stream)
	}()
	require.Eventually(t, func() bool { return stream.messageCount() >= 1 }, 10*time.Second, time.Millisecond)
	operationName := stream.lastMessage().Name

	// A second client attaches to the operation by name and
	// immediately receives the current state.
	waitStream := &fakeExecutionStream{ctx: ctx}
	waitDone := make(chan error, 1)
	go func() {
		waitDone <- f.buildQueue.WaitExecution(&remoteexecution.WaitExecutionRequest{Name: operationName}, waitStream)
	}()
	require.Eventually(t, func() bool { return waitStream.messageCount() >= 1 }, 10*time.Second, time.Millisecond)
	require.False(t, waitStream.lastMessage().Done)

	session, err := f.buildQueue.CreateBotSession(ctx, &remoteworkers.CreateBotSessionRequest{
		BotSession: &remoteworkers.BotSession{
			BotId:  "worker-1",
			Status: remoteworkers.BotStatus_OK,
			Worker: linuxWorker,
		},
	})
	require.NoError(t, err)
	require.Len(t, session.Leases, 1)
	actionResult := &remoteexecution.ActionResult{ExitCode: 0}
	f.completeLease(t, ctx, session, session.Leases[0].Id, actionResult)

	require.NoError(t, <-executeDone)
	require.NoError(t, <-waitDone)
	testutil.RequireEqualProto(t, actionResult, requireExecuteResponse(t, waitStream.lastMessage()).Result)

	// Attaching after completion yields a single message holding the
	// terminal state.
	lateStream := &fakeExecutionStream{ctx: ctx}
	require.NoError(t, f.buildQueue.WaitExecution(&remoteexecution.WaitExecutionRequest{Name: operationName}, lateStream))
	require.Equal(t, 1, lateStream.messageCount())
	require.True(t, lateStream.lastMessage().Done)

	unknownStream := &fakeExecutionStream{ctx: ctx}
	testutil.RequireEqualStatus(
		t,
		status.Errorf(codes.NotFound, "Operation %#v not found", "unknown"),
		f.buildQueue.WaitExecution(&remoteexecution.WaitExecutionRequest{Name: "unknown"}, unknownStream))
}

func TestInMemoryBuildQueueStrictPriorityOrdering(t *testing.T) {
	configuration := scheduler.NewDefaultInMemoryBuildQueueConfiguration()
	configuration.PriorityOrder = scheduler.PriorityOrderStrictPriority
	f := newBuildQueueFixtureWithConfiguration(
		t,
		[]*auth.Tenant{{Name: "acme"}},
		statestore.NewDiscardingStateStore(),
		configuration)
	ctx := tenantContext("acme")
	backgroundDigest := f.storeAction(t, []string{"index-sources"}, linuxPlatform)
	urgentDigest := f.storeAction(t, []string{"clang", "hello.c"}, linuxPlatform)

	backgroundRequest := executeRequest(backgroundDigest)
	backgroundRequest.ExecutionPolicy = &remoteexecution.ExecutionPolicy{Priority: 100}
	backgroundStream := &fakeExecutionStream{ctx: ctx}
	executeDone := make(chan error, 2)
	go func() {
		executeDone <- f.buildQueue.Execute(backgroundRequest, backgroundStream)
	}()
	require.Eventually(t, func() bool { return backgroundStream.messageCount() >= 1 }, 10*time.Second, time.Millisecond)

	// The urgent operation is enqueued a second later, but must still
	// be dispatched first.
	f.clock.Advance(time.Second)
	urgentRequest := executeRequest(urgentDigest)
	urgentRequest.ExecutionPolicy = &remoteexecution.ExecutionPolicy{Priority: -20}
	urgentStream := &fakeExecutionStream{ctx: ctx}
	go func() {
		executeDone <- f.buildQueue.Execute(urgentRequest, urgentStream)
	}()
	require.Eventually(t, func() bool { return urgentStream.messageCount() >= 1 }, 10*time.Second, time.Millisecond)

	session, err := f.buildQueue.CreateBotSession(ctx, &remoteworkers.CreateBotSessionRequest{
		BotSession: &remoteworkers.BotSession{
			BotId:  "worker-1",
			Status: remoteworkers.BotStatus_OK,
			Worker: linuxWorker,
		},
	})
	require.NoError(t, err)
	require.Len(t, session.Leases, 1)
	testutil.RequireEqualProto(t, urgentDigest.GetProto(), leasedActionDigest(t, session.Leases[0]))

	actionResult := &remoteexecution.ActionResult{ExitCode: 0}
	updated := f.completeLease(t, ctx, session, session.Leases[0].Id, actionResult)
	require.Len(t, updated.Leases, 1)
	testutil.RequireEqualProto(t, backgroundDigest.GetProto(), leasedActionDigest(t, updated.Leases[0]))
	f.completeLease(t, ctx, updated, updated.Leases[0].Id, actionResult)

	require.NoError(t, <-executeDone)
	require.NoError(t, <-executeDone)
}

func TestInMemoryBuildQueueFIFOPriorityTiebreak(t *testing.T) {
	f := newBuildQueueFixture(
		t,
		[]*auth.Tenant{{Name: "acme"}},
		statestore.NewDiscardingStateStore())
	ctx := tenantContext("acme")
	lowDigest := f.storeAction(t, []string{"index-sources"}, linuxPlatform)
	highDigest := f.storeAction(t, []string{"clang", "hello.c"}, linuxPlatform)
	lateDigest := f.storeAction(t, []string{"clang", "late.c"}, linuxPlatform)

	// Two operations enqueued at the same instant are ordered by
	// priority.
	lowRequest := executeRequest(lowDigest)
	lowRequest.ExecutionPolicy = &remoteexecution.ExecutionPolicy{Priority: 100}
	lowStream := &fakeExecutionStream{ctx: ctx}
	executeDone := make(chan error, 3)
	go func() {
		executeDone <- f.buildQueue.Execute(lowRequest, lowStream)
	}()
	require.Eventually(t, func() bool { return lowStream.messageCount() >= 1 }, 10*time.Second, time.Millisecond)
	highRequest := executeRequest(highDigest)
	highRequest.ExecutionPolicy = &remoteexecution.ExecutionPolicy{Priority: -20}
	highStream := &fakeExecutionStream{ctx: ctx}
	go func() {
		executeDone <- f.buildQueue.Execute(highRequest, highStream)
	}()
	require.Eventually(t, func() bool { return highStream.messageCount() >= 1 }, 10*time.Second, time.Millisecond)

	// An operation enqueued later stays behind both, no matter how
	// urgent its priority.
	f.clock.Advance(time.Second)
	lateRequest := executeRequest(lateDigest)
	lateRequest.ExecutionPolicy = &remoteexecution.ExecutionPolicy{Priority: -100}
	lateStream := &fakeExecutionStream{ctx: ctx}
	go func() {
		executeDone <- f.buildQueue.Execute(lateRequest, lateStream)
	}()
	require.Eventually(t, func() bool { return lateStream.messageCount() >= 1 }, 10*time.Second, time.Millisecond)

	session, err := f.buildQueue.CreateBotSession(ctx, &remoteworkers.CreateBotSessionRequest{
		BotSession: &remoteworkers.BotSession{
			BotId:  "worker-1",
			Status: remoteworkers.BotStatus_OK,
			Worker: linuxWorker,
		},
	})
	require.NoError(t, err)
	require.Len(t, session.Leases, 1)
	testutil.RequireEqualProto(t, highDigest.GetProto(), leasedActionDigest(t, session.Leases[0]))

	actionResult := &remoteexecution.ActionResult{ExitCode: 0}
	updated := f.completeLease(t, ctx, session, session.Leases[0].Id, actionResult)
	require.Len(t, updated.Leases, 1)
	testutil.RequireEqualProto(t, lowDigest.GetProto(), leasedActionDigest(t, updated.Leases[0]))
	updated = f.completeLease(t, ctx, updated, updated.Leases[0].Id, actionResult)
	require.Len(t, updated.Leases, 1)
	testutil.RequireEqualProto(t, lateDigest.GetProto(), leasedActionDigest(t, updated.Leases[0]))
	updated = f.completeLease(t, ctx, updated, updated.Leases[0].Id, actionResult)
	require.Empty(t, updated.Leases)

	for i := 0; i < 3; i++ {
		require.NoError(t, <-executeDone)
	}
}

func TestInMemoryBuildQueueBotSessionExpiry(t *testing.T) {
	f := newBuildQueueFixture(
		t,
		[]*auth.Tenant{{Name: "acme"}},
		statestore.NewDiscardingStateStore())
	ctx := tenantContext("acme")
	actionDigest := f.storeAction(t, []string{"clang", "hello.c"}, linuxPlatform)

	stream := &fakeExecutionStream{ctx: ctx}
	executeDone := make(chan error, 1)
	go func() {
		executeDone <- f.buildQueue.Execute(executeRequest(actionDigest), stream)
	}()
	require.Eventually(t, func() bool { return stream.messageCount() >= 1 }, 10*time.Second, time.Millisecond)

	session, err := f.buildQueue.CreateBotSession(ctx, &remoteworkers.CreateBotSessionRequest{
		BotSession: &remoteworkers.BotSession{
			BotId:  "worker-1",
			Status: remoteworkers.BotStatus_OK,
			Worker: linuxWorker,
		},
	})
	require.NoError(t, err)
	require.Len(t, session.Leases, 1)

	// The worker disappears without terminating its session. Once the
	// session TTL elapses, the session is removed and its lease is
	// requeued.
	f.clock.Advance(61 * time.Second)
	f.buildQueue.Sweep()
	_, err = f.buildQueue.UpdateBotSession(ctx, &remoteworkers.UpdateBotSessionRequest{
		Name: session.Name,
		BotSession: &remoteworkers.BotSession{
			Name:   session.Name,
			BotId:  "worker-1",
			Status: remoteworkers.BotStatus_OK,
		},
	})
	testutil.RequireEqualStatus(
		t,
		status.Errorf(codes.NotFound, "Bot session %#v not found", session.Name),
		err)

	// A replacement worker picks the operation up again.
	session2, err := f.buildQueue.CreateBotSession(ctx, &remoteworkers.CreateBotSessionRequest{
		BotSession: &remoteworkers.BotSession{
			BotId:  "worker-2",
			Status: remoteworkers.BotStatus_OK,
			Worker: linuxWorker,
		},
	})
	require.NoError(t, err)
	require.Len(t, session2.Leases, 1)

	actionResult := &remoteexecution.ActionResult{ExitCode: 0}
	f.completeLease(t, ctx, session2, session2.Leases[0].Id, actionResult)
	require.NoError(t, <-executeDone)
	testutil.RequireEqualProto(t, actionResult, requireExecuteResponse(t, stream.lastMessage()).Result)
}

func TestInMemoryBuildQueueSkipCacheLookup(t *testing.T) {
	f := newBuildQueueFixture(
		t,
		[]*auth.Tenant{{Name: "acme"}},
		statestore.NewDiscardingStateStore())
	ctx := tenantContext("acme")
	actionDigest := f.storeAction(t, []string{"flaky-test"}, linuxPlatform)
	staleResult := &remoteexecution.ActionResult{ExitCode: 0, StdoutRaw: []byte("stale")}
	require.NoError(t, f.actionCache.Put(
		context.Background(),
		actionDigest,
		buffer.NewProtoBufferFromProto(staleResult, buffer.UserProvided)))

	// skip_cache_lookup forces a fresh execution despite the cached
	// result.
	request := executeRequest(actionDigest)
	request.SkipCacheLookup = true
	stream := &fakeExecutionStream{ctx: ctx}
	executeDone := make(chan error, 1)
	go func() {
		executeDone <- f.buildQueue.Execute(request, stream)
	}()
	require.Eventually(t, func() bool { return stream.messageCount() >= 1 }, 10*time.Second, time.Millisecond)
	require.False(t, stream.lastMessage().Done)

	session, err := f.buildQueue.CreateBotSession(ctx, &remoteworkers.CreateBotSessionRequest{
		BotSession: &remoteworkers.BotSession{
			BotId:  "worker-1",
			Status: remoteworkers.BotStatus_OK,
			Worker: linuxWorker,
		},
	})
	require.NoError(t, err)
	require.Len(t, session.Leases, 1)
	freshResult := &remoteexecution.ActionResult{ExitCode: 0, StdoutRaw: []byte("fresh")}
	f.completeLease(t, ctx, session, session.Leases[0].Id, freshResult)

	require.NoError(t, <-executeDone)
	response := requireExecuteResponse(t, stream.lastMessage())
	require.False(t, response.CachedResult)
	testutil.RequireEqualProto(t, freshResult, response.Result)

	// The fresh result replaces the previously cached one.
	storedResult, err := f.actionCache.Get(ctx, actionDigest).ToProto(&remoteexecution.ActionResult{}, 16*1024*1024)
	require.NoError(t, err)
	testutil.RequireEqualProto(t, freshResult, storedResult)
}

func TestInMemoryBuildQueueDoNotCache(t *testing.T) {
	f := newBuildQueueFixture(
		t,
		[]*auth.Tenant{{Name: "acme"}},
		statestore.NewDiscardingStateStore())
	ctx := tenantContext("acme")
	digestFunction := sha256Function(t)
	commandDigest := storeProto(t, f.contentAddressableStorage, digestFunction, &remoteexecution.Command{
		Arguments: []string{"date"},
	})
	actionDigest := storeProto(t, f.contentAddressableStorage, digestFunction, &remoteexecution.Action{
		CommandDigest: commandDigest.GetProto(),
		Platform:      linuxPlatform,
		DoNotCache:    true,
	})

	// Operations for uncacheable actions are not deduplicated: both
	// calls must yield distinct operations.
	stream1 := &fakeExecutionStream{ctx: ctx}
	stream2 := &fakeExecutionStream{ctx: ctx}
	executeDone := make(chan error, 2)
	go func() {
		executeDone <- f.buildQueue.Execute(executeRequest(actionDigest), stream1)
	}()
	require.Eventually(t, func() bool { return stream1.messageCount() >= 1 }, 10*time.Second, time.Millisecond)
	go func() {
		executeDone <- f.buildQueue.Execute(executeRequest(actionDigest), stream2)
	}()
	require.Eventually(t, func() bool { return stream2.messageCount() >= 1 }, 10*time.Second, time.Millisecond)
	require.NotEqual(t, stream1.lastMessage().Name, stream2.lastMessage().Name)

	session, err := f.buildQueue.CreateBotSession(ctx, &remoteworkers.CreateBotSessionRequest{
		BotSession: &remoteworkers.BotSession{
			BotId:  "worker-1",
			Status: remoteworkers.BotStatus_OK,
			Worker: linuxWorker,
		},
	})
	require.NoError(t, err)
	require.Len(t, session.Leases, 1)
	actionResult := &remoteexecution.ActionResult{ExitCode: 0}
	updated := f.completeLease(t, ctx, session, session.Leases[0].Id, actionResult)
	require.Len(t, updated.Leases, 1)
	f.completeLease(t, ctx, updated, updated.Leases[0].Id, actionResult)
	require.NoError(t, <-executeDone)
	require.NoError(t, <-executeDone)

	// The results must not have been written to the Action Cache.
	_, err = f.actionCache.Get(ctx, actionDigest).ToProto(&remoteexecution.ActionResult{}, 16*1024*1024)
	require.Equal(t, codes.NotFound, status.Code(err))
}
