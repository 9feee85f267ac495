package grpcservers

import (
	"context"

	remoteexecution "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
	"github.com/toolchainlabs/remexec/pkg/auth"
	"github.com/toolchainlabs/remexec/pkg/blobstore"
	"github.com/toolchainlabs/remexec/pkg/blobstore/buffer"
	"github.com/toolchainlabs/remexec/pkg/digest"
	"github.com/toolchainlabs/remexec/pkg/util"
)

type actionCacheServer struct {
	blobAccess              blobstore.BlobAccess
	updateAuthorizer        auth.Authorizer
	maximumMessageSizeBytes int
}

// NewActionCacheServer creates a gRPC service for serving the contents
// of an Action Cache (AC) to clients. Reads are open to any
// authenticated caller; writes are gated by the provided Authorizer,
// as most deployments only let the scheduler itself store results.
func NewActionCacheServer(blobAccess blobstore.BlobAccess, updateAuthorizer auth.Authorizer, maximumMessageSizeBytes int) remoteexecution.ActionCacheServer {
	return &actionCacheServer{
		blobAccess:              blobAccess,
		updateAuthorizer:        updateAuthorizer,
		maximumMessageSizeBytes: maximumMessageSizeBytes,
	}
}

func (s *actionCacheServer) GetActionResult(ctx context.Context, in *remoteexecution.GetActionResultRequest) (*remoteexecution.ActionResult, error) {
	instanceName, err := digest.NewInstanceName(in.InstanceName)
	if err != nil {
		return nil, util.StatusWrapf(err, "Invalid instance name %#v", in.InstanceName)
	}
	digestFunction, err := instanceName.GetDigestFunction(in.DigestFunction, len(in.ActionDigest.GetHash()))
	if err != nil {
		return nil, err
	}
	actionDigest, err := digestFunction.NewDigestFromProto(in.ActionDigest)
	if err != nil {
		return nil, err
	}
	actionResult, err := s.blobAccess.Get(ctx, actionDigest).ToProto(
		&remoteexecution.ActionResult{},
		s.maximumMessageSizeBytes)
	if err != nil {
		return nil, err
	}
	return actionResult.(*remoteexecution.ActionResult), nil
}

func (s *actionCacheServer) UpdateActionResult(ctx context.Context, in *remoteexecution.UpdateActionResultRequest) (*remoteexecution.ActionResult, error) {
	instanceName, err := digest.NewInstanceName(in.InstanceName)
	if err != nil {
		return nil, util.StatusWrapf(err, "Invalid instance name %#v", in.InstanceName)
	}
	digestFunction, err := instanceName.GetDigestFunction(in.DigestFunction, len(in.ActionDigest.GetHash()))
	if err != nil {
		return nil, err
	}
	actionDigest, err := digestFunction.NewDigestFromProto(in.ActionDigest)
	if err != nil {
		return nil, err
	}
	instance := actionDigest.GetInstanceName()
	if err := auth.AuthorizeSingleInstanceName(ctx, s.updateAuthorizer, instance); err != nil {
		return nil, util.StatusWrapf(err, "This service does not accept action results for instance %#v", instance)
	}
	return in.ActionResult, s.blobAccess.Put(
		ctx,
		actionDigest,
		buffer.NewProtoBufferFromProto(in.ActionResult, buffer.UserProvided))
}
