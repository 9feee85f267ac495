package auth

import (
	"context"

	"github.com/toolchainlabs/remexec/pkg/digest"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

type anyAuthorizer struct {
	authorizers []Authorizer
}

// NewAnyAuthorizer creates an Authorizer that grants access to an
// instance name when at least one of its backends does. The scheduler
// combines the instance name allowlist with an expression-based
// authorizer this way, so that either mechanism can admit an
// UpdateActionResult() call.
func NewAnyAuthorizer(authorizers []Authorizer) Authorizer {
	// The combining logic below assumes two or more backends.
	switch len(authorizers) {
	case 0:
		return NewStaticAuthorizer(func(instanceName digest.InstanceName) bool { return false })
	case 1:
		return authorizers[0]
	default:
		return &anyAuthorizer{
			authorizers: authorizers,
		}
	}
}

func (a *anyAuthorizer) Authorize(ctx context.Context, instanceNames []digest.InstanceName) []error {
	errs := a.authorizers[0].Authorize(ctx, instanceNames)

	// Instance names the first backend denied may still be granted
	// by a later one. Other failure codes are final, as they signal
	// that authorization itself failed.
	var currentInstanceNames []digest.InstanceName
	var currentErrsIndex []int
	for i, err := range errs {
		if status.Code(err) == codes.PermissionDenied {
			currentInstanceNames = append(currentInstanceNames, instanceNames[i])
			currentErrsIndex = append(currentErrsIndex, i)
		}
	}

	for _, authorizer := range a.authorizers[1:] {
		if len(currentInstanceNames) == 0 {
			break
		}
		nextInstanceNames, nextErrsIndex := currentInstanceNames[:0], currentErrsIndex[:0]
		for i, err := range authorizer.Authorize(ctx, currentInstanceNames) {
			if status.Code(err) == codes.PermissionDenied {
				nextInstanceNames = append(nextInstanceNames, currentInstanceNames[i])
				nextErrsIndex = append(nextErrsIndex, currentErrsIndex[i])
			} else {
				errs[currentErrsIndex[i]] = err
			}
		}
		currentInstanceNames, currentErrsIndex = nextInstanceNames, nextErrsIndex
	}

	return errs
}
