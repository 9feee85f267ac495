package auth

import (
	"context"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/toolchainlabs/remexec/pkg/digest"
)

// NewStaticAuthorizer creates an Authorizer whose decision depends only
// on the instance name, never on the caller. The scheduler uses it to
// restrict direct ActionCache writes to an allowlisted set of instance
// names.
func NewStaticAuthorizer(matcher digest.InstanceNameMatcher) Authorizer {
	return &staticAuthorizer{matcher: matcher}
}

type staticAuthorizer struct {
	matcher digest.InstanceNameMatcher
}

// Denials share one preallocated error.
var errPermissionDenied = status.Error(codes.PermissionDenied, "Permission denied")

func (a *staticAuthorizer) Authorize(ctx context.Context, instanceNames []digest.InstanceName) []error {
	errs := make([]error, 0, len(instanceNames))
	for _, instanceName := range instanceNames {
		if a.matcher(instanceName) {
			errs = append(errs, nil)
		} else {
			errs = append(errs, errPermissionDenied)
		}
	}
	return errs
}
