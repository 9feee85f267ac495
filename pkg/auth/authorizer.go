package auth

import (
	"context"

	"github.com/toolchainlabs/remexec/pkg/digest"
)

// Authorizer decides whether the caller identified by the context may
// act on a set of instance names. The gRPC services consult one per
// permission kind (reading blobs, updating the action cache, starting
// executions).
type Authorizer interface {
	// Authorize returns one error per instance name, in argument
	// order. A nil element grants access; a non-nil element is the
	// status to return to the client, which also covers failures of
	// the authorization process itself.
	//
	// Calls may block, so callers must not hold contended locks.
	Authorize(ctx context.Context, instanceNames []digest.InstanceName) []error
}

// AuthorizeSingleInstanceName authorizes one instance name against an
// Authorizer.
func AuthorizeSingleInstanceName(ctx context.Context, authorizer Authorizer, instanceName digest.InstanceName) error {
	return authorizer.Authorize(ctx, []digest.InstanceName{instanceName})[0]
}
