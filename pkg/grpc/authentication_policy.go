package grpc

import (
	"context"
	"time"

	"github.com/jmespath/go-jmespath"
	"github.com/toolchainlabs/remexec/pkg/auth"
	"github.com/toolchainlabs/remexec/pkg/clock"
	"github.com/toolchainlabs/remexec/pkg/eviction"
	bb_http "github.com/toolchainlabs/remexec/pkg/http"
	"github.com/toolchainlabs/remexec/pkg/jwt"
	"github.com/toolchainlabs/remexec/pkg/program"
	"github.com/toolchainlabs/remexec/pkg/util"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// AuthenticationPolicy specifies how a gRPC server decides whether
// incoming requests are allowed to run. Exactly one of the fields must
// be set.
type AuthenticationPolicy struct {
	// Allow all requests, attaching the given authentication
	// metadata. An empty object attaches no metadata.
	Allow map[string]any `json:"allow,omitempty"`
	// Allow requests that are allowed by at least one of the nested
	// policies.
	Any []*AuthenticationPolicy `json:"any,omitempty"`
	// Deny all requests, returning the given message to the client.
	Deny string `json:"deny,omitempty"`
	// Validate OAuth2 bearer tokens against a remote JSON Web Key
	// Set.
	Jwt *JWTAuthenticationPolicy `json:"jwt,omitempty"`
	// Trust the tenant header that a frontend attached after
	// authenticating the client on our behalf.
	TenantHeader *TenantHeaderAuthenticationPolicy `json:"tenantHeader,omitempty"`
}

// JWTAuthenticationPolicy holds the options of an authentication
// policy that validates "Authorization: Bearer" tokens using signing
// keys fetched from a JWKS endpoint.
type JWTAuthenticationPolicy struct {
	// URL of the JSON Web Key Set from which signing keys are
	// fetched, e.g. "https://idp.example.com/.well-known/jwks.json".
	JwksURL string `json:"jwksUrl"`
	// Optional: options for the HTTP client used to fetch the JWKS,
	// such as TLS settings or a proxy URL.
	HTTPClient *bb_http.ClientConfiguration `json:"httpClient,omitempty"`
	// Optional: interval between periodic JWKS refreshes. Defaults
	// to 5 minutes.
	RefreshInterval util.Duration `json:"refreshInterval,omitempty"`
	// Optional: minimum amount of time between refreshes that are
	// forced by tokens carrying an unknown key ID. Defaults to 30
	// seconds.
	ForcedRefreshDebounce util.Duration `json:"forcedRefreshDebounce,omitempty"`
	// Optional: value that the "aud" claim of tokens must contain.
	// When empty, the audience is not checked.
	Audience string `json:"audience,omitempty"`
	// Optional: JMESPath expression that converts token claims to
	// authentication metadata. Defaults to "@", passing all claims
	// through unmodified.
	MetadataExtractionJmespathExpression string `json:"metadataExtractionJmespathExpression,omitempty"`
	// Optional: maximum number of validated tokens to cache.
	// Defaults to 1000.
	MaximumCacheSize int `json:"maximumCacheSize,omitempty"`
	// Optional: "least_recently_used" (default),
	// "first_in_first_out" or "random_replacement".
	CacheReplacementPolicy string `json:"cacheReplacementPolicy,omitempty"`
}

// TenantHeaderAuthenticationPolicy holds the options of an
// authentication policy that trusts the tenant header attached to
// requests by a frontend, without validating credentials itself. Only
// use this on servers that are not reachable by clients directly.
type TenantHeaderAuthenticationPolicy struct {
	// Optional: name of the metadata header carrying the tenant ID.
	// Defaults to auth.TenantMetadataHeader.
	Header string `json:"header,omitempty"`
}

// NewAuthenticatorFromConfiguration creates a tree of Authenticator
// objects based on options stored in a configuration file. The
// returned function reports whether the authenticator is ready to
// process requests. Policies that depend on remotely fetched state,
// such as a JSON Web Key Set, are not ready until the first fetch
// succeeded, as all credentials would be rejected before that point.
func NewAuthenticatorFromConfiguration(policy *AuthenticationPolicy, tenantRegistry *auth.TenantRegistry, group program.Group) (Authenticator, func() bool, error) {
	if policy == nil {
		return nil, nil, status.Error(codes.InvalidArgument, "Authentication policy not specified")
	}
	switch {
	case policy.Allow != nil:
		metadata, err := auth.NewAuthenticationMetadataFromRaw(policy.Allow)
		if err != nil {
			return nil, nil, util.StatusWrap(err, "Failed to create authentication metadata for \"allow\" authentication policy")
		}
		return NewAllowAuthenticator(metadata), alwaysReady, nil
	case len(policy.Any) > 0:
		children := make([]Authenticator, 0, len(policy.Any))
		readinessChecks := make([]func() bool, 0, len(policy.Any))
		for _, childPolicy := range policy.Any {
			child, childIsReady, err := NewAuthenticatorFromConfiguration(childPolicy, tenantRegistry, group)
			if err != nil {
				return nil, nil, err
			}
			children = append(children, child)
			readinessChecks = append(readinessChecks, childIsReady)
		}
		return NewAnyAuthenticator(children), func() bool {
			for _, isReady := range readinessChecks {
				if !isReady() {
					return false
				}
			}
			return true
		}, nil
	case policy.Deny != "":
		return NewDenyAuthenticator(policy.Deny), alwaysReady, nil
	case policy.Jwt != nil:
		jwtPolicy := policy.Jwt
		httpClient, err := bb_http.NewClientFromConfiguration(jwtPolicy.HTTPClient, "jwks")
		if err != nil {
			return nil, nil, util.StatusWrap(err, "Failed to create JWKS HTTP client")
		}
		refreshInterval := jwtPolicy.RefreshInterval.AsDuration()
		if refreshInterval == 0 {
			refreshInterval = 5 * time.Minute
		}
		forcedRefreshDebounce := jwtPolicy.ForcedRefreshDebounce.AsDuration()
		if forcedRefreshDebounce == 0 {
			forcedRefreshDebounce = 30 * time.Second
		}
		signatureValidator := jwt.NewRemoteJWKSSignatureValidator(
			httpClient,
			jwtPolicy.JwksURL,
			clock.SystemClock,
			util.DefaultErrorLogger,
			refreshInterval,
			forcedRefreshDebounce)
		group.Go(func(ctx context.Context, siblingsGroup, dependenciesGroup program.Group) error {
			return signatureValidator.KeepRefreshed(ctx)
		})

		metadataExtractionExpression := jwtPolicy.MetadataExtractionJmespathExpression
		if metadataExtractionExpression == "" {
			metadataExtractionExpression = "@"
		}
		metadataExtractor, err := jmespath.Compile(metadataExtractionExpression)
		if err != nil {
			return nil, nil, util.StatusWrapWithCode(err, codes.InvalidArgument, "Failed to compile metadata extraction JMESPath expression")
		}
		evictionSet, err := eviction.NewSetFromConfiguration[string](jwtPolicy.CacheReplacementPolicy)
		if err != nil {
			return nil, nil, util.StatusWrap(err, "Failed to create eviction set for the token cache")
		}
		maximumCacheSize := jwtPolicy.MaximumCacheSize
		if maximumCacheSize == 0 {
			maximumCacheSize = 1000
		}
		return NewJWTAuthenticator(
			jwt.NewAuthorizationHeaderParser(
				clock.SystemClock,
				signatureValidator,
				jwtPolicy.Audience,
				metadataExtractor,
				maximumCacheSize,
				eviction.NewMetricsSet(evictionSet, "authorization_header_parser")),
			tenantRegistry), signatureValidator.IsReady, nil
	case policy.TenantHeader != nil:
		header := policy.TenantHeader.Header
		if header == "" {
			header = auth.TenantMetadataHeader
		}
		return NewRequestHeadersAuthenticator(
			auth.NewTenantHeaderAuthenticator(header, tenantRegistry),
			[]string{header}), alwaysReady, nil
	default:
		return nil, nil, status.Error(codes.InvalidArgument, "Configuration did not contain an authentication policy type")
	}
}

func alwaysReady() bool {
	return true
}
