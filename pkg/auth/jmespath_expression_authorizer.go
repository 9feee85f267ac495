package auth

import (
	"context"

	"github.com/jmespath/go-jmespath"
	"github.com/toolchainlabs/remexec/pkg/digest"
)

type jmespathExpressionAuthorizer struct {
	expression *jmespath.JMESPath
}

// NewJMESPathExpressionAuthorizer creates an Authorizer that evaluates
// a JMESPath expression against the caller's authentication metadata
// and the instance name, granting access when the expression yields
// true. This ties authorization to who the caller is, where the other
// authorizers only look at what is being accessed.
func NewJMESPathExpressionAuthorizer(expression *jmespath.JMESPath) Authorizer {
	return &jmespathExpressionAuthorizer{
		expression: expression,
	}
}

func (a *jmespathExpressionAuthorizer) Authorize(ctx context.Context, instanceNames []digest.InstanceName) []error {
	authenticationMetadata := AuthenticationMetadataFromContext(ctx)
	errs := make([]error, 0, len(instanceNames))
	for _, instanceName := range instanceNames {
		// Evaluation errors deny, as a failing expression gives no
		// grounds to grant anything.
		if result, err := a.expression.Search(map[string]interface{}{
			"authenticationMetadata": authenticationMetadata.GetRaw(),
			"instanceName":           instanceName.String(),
		}); err == nil && result == true {
			errs = append(errs, nil)
		} else {
			errs = append(errs, errPermissionDenied)
		}
	}
	return errs
}
