package scheduler

import (
	"context"

	"github.com/toolchainlabs/remexec/pkg/util"

	"cloud.google.com/go/longrunning/autogen/longrunningpb"
	remoteexecution "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
)

// getOperationForTenantLocked looks up an operation by name. Operations
// of other tenants are reported as nonexistent rather than as
// forbidden, so that operation names do not leak across tenants.
func (bq *InMemoryBuildQueue) getOperationForTenantLocked(tenant string, name string) (*operation, error) {
	if op, ok := bq.operations[name]; ok && op.tenant == tenant {
		return op, nil
	}
	return nil, status.Errorf(codes.NotFound, "Operation %#v not found", name)
}

// GetOperation returns the current state of a single operation.
func (bq *InMemoryBuildQueue) GetOperation(ctx context.Context, in *longrunningpb.GetOperationRequest) (*longrunningpb.Operation, error) {
	tenant, err := tenantFromContext(ctx)
	if err != nil {
		return nil, err
	}
	bq.lock.Lock()
	defer bq.lock.Unlock()
	op, err := bq.getOperationForTenantLocked(tenant, in.Name)
	if err != nil {
		return nil, err
	}
	return op.buildOperation(), nil
}

// CancelOperation requests cancellation of an operation. Queued
// operations complete immediately. Executing operations are completed
// once the worker acknowledges the cancellation, or once the grace
// period expires. Cancelling a terminal operation has no effect.
func (bq *InMemoryBuildQueue) CancelOperation(ctx context.Context, in *longrunningpb.CancelOperationRequest) (*emptypb.Empty, error) {
	tenant, err := tenantFromContext(ctx)
	if err != nil {
		return nil, err
	}
	bq.lock.Lock()
	defer bq.lock.Unlock()
	op, err := bq.getOperationForTenantLocked(tenant, in.Name)
	if err != nil {
		return nil, err
	}
	now := bq.clock.Now()
	switch {
	case op.isTerminal():
		// Cancellation is idempotent.
	case op.stage == remoteexecution.ExecutionStage_QUEUED:
		bq.completeOperationLocked(op, cancelledExecuteResponse(), now)
	default:
		if !op.cancelRequested {
			op.cancelRequested = true
			op.cancelRequestedAt = now
			// Give long-polling workers a chance to pick up
			// the cancellation directive.
			bq.wakeupLocked()
		}
	}
	return &emptypb.Empty{}, nil
}

// WaitOperation blocks until the operation reaches a terminal stage or
// the provided timeout elapses, whichever comes first. On timeout the
// last observed state is returned, as the protocol prescribes.
func (bq *InMemoryBuildQueue) WaitOperation(ctx context.Context, in *longrunningpb.WaitOperationRequest) (*longrunningpb.Operation, error) {
	tenant, err := tenantFromContext(ctx)
	if err != nil {
		return nil, err
	}
	if d := in.GetTimeout(); d != nil {
		var cancel context.CancelFunc
		ctx, cancel = bq.clock.NewContextWithTimeout(ctx, d.AsDuration())
		defer cancel()
	}

	bq.lock.Lock()
	op, err := bq.getOperationForTenantLocked(tenant, in.Name)
	if err != nil {
		bq.lock.Unlock()
		return nil, err
	}
	watcher := op.attachWatcherLocked(bq.configuration.WatcherBufferSize)
	last := op.buildOperation()
	bq.lock.Unlock()
	for {
		select {
		case state, ok := <-watcher.operations:
			if !ok {
				if watcher.dropped {
					return nil, status.Error(codes.Canceled, "Client failed to keep up with state transitions")
				}
				return last, nil
			}
			last = state
			if state.Done {
				bq.detachWatcher(op, watcher)
				return last, nil
			}
		case <-ctx.Done():
			bq.detachWatcher(op, watcher)
			if status.Code(util.StatusFromContext(ctx)) == codes.DeadlineExceeded {
				return last, nil
			}
			return nil, util.StatusFromContext(ctx)
		}
	}
}

// ListOperations is not supported; enumerating operations across
// tenants is left to out-of-band tooling.
func (bq *InMemoryBuildQueue) ListOperations(ctx context.Context, in *longrunningpb.ListOperationsRequest) (*longrunningpb.ListOperationsResponse, error) {
	return nil, status.Error(codes.Unimplemented, "This service does not support listing operations")
}

// DeleteOperation is not supported; completed operations are removed
// automatically after the retention period.
func (bq *InMemoryBuildQueue) DeleteOperation(ctx context.Context, in *longrunningpb.DeleteOperationRequest) (*emptypb.Empty, error) {
	return nil, status.Error(codes.Unimplemented, "This service does not support deleting operations")
}
