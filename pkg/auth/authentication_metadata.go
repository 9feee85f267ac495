package auth

import (
	"context"
	"encoding/json"

	"github.com/toolchainlabs/remexec/pkg/util"

	"google.golang.org/grpc/codes"

	"go.opentelemetry.io/otel/attribute"
)

// AuthenticationMetadata contains information on the authenticated
// client that is performing the current operation. It is constructed by
// gRPC Authenticators and attached to the Context, so that the
// authorization layer and the scheduler may act upon it.
type AuthenticationMetadata struct {
	raw               map[string]any
	tenant            string
	tracingAttributes []attribute.KeyValue
}

// NewAuthenticationMetadataFromRaw creates a new
// AuthenticationMetadata object from a JSON-like value (i.e., a
// map[string]any as returned by json.Unmarshal()). If the metadata
// contains a "tenant" field, its value identifies the tenant on whose
// behalf requests are made.
func NewAuthenticationMetadataFromRaw(metadataRaw any) (*AuthenticationMetadata, error) {
	// Normalize through JSON, so that claims obtained from JWT
	// payloads and values from configuration files have a uniform
	// representation.
	metadataJSON, err := json.Marshal(metadataRaw)
	if err != nil {
		return nil, util.StatusWrapWithCode(err, codes.InvalidArgument, "Failed to convert raw authentication metadata to JSON")
	}
	var raw map[string]any
	if err := json.Unmarshal(metadataJSON, &raw); err != nil {
		return nil, util.StatusWrapWithCode(err, codes.InvalidArgument, "Failed to parse authentication metadata JSON")
	}

	am := &AuthenticationMetadata{
		raw: raw,
	}
	if tenant, ok := raw["tenant"].(string); ok {
		am.tenant = tenant
		am.tracingAttributes = append(am.tracingAttributes, attribute.String("auth.tenant", tenant))
	}
	return am, nil
}

// MustNewAuthenticationMetadataFromRaw is identical to
// NewAuthenticationMetadataFromRaw(), except that it panics upon
// failure. This method is provided for testing.
func MustNewAuthenticationMetadataFromRaw(metadataRaw any) *AuthenticationMetadata {
	authenticationMetadata, err := NewAuthenticationMetadataFromRaw(metadataRaw)
	if err != nil {
		panic(err)
	}
	return authenticationMetadata
}

// GetRaw returns the original JSON-like value that was used to
// construct the AuthenticationMetadata.
func (am *AuthenticationMetadata) GetRaw() map[string]any {
	return am.raw
}

// GetTenant returns the identifier of the tenant on whose behalf the
// current operation is performed, or the empty string if the client did
// not authenticate as a specific tenant.
func (am *AuthenticationMetadata) GetTenant() string {
	return am.tenant
}

// GetTracingAttributes returns OpenTelemetry tracing attributes that
// can be added to spans.
func (am *AuthenticationMetadata) GetTracingAttributes() []attribute.KeyValue {
	return am.tracingAttributes
}

type authenticationMetadataKey struct{}

var defaultAuthenticationMetadata AuthenticationMetadata

// NewContextWithAuthenticationMetadata creates a new Context object
// that has AuthenticationMetadata attached to it.
func NewContextWithAuthenticationMetadata(ctx context.Context, authenticationMetadata *AuthenticationMetadata) context.Context {
	return context.WithValue(ctx, authenticationMetadataKey{}, authenticationMetadata)
}

// AuthenticationMetadataFromContext reobtains the
// AuthenticationMetadata that was attached to the Context object.
//
// If the Context object contains no metadata, a default instance
// corresponding to the empty metadata is returned.
func AuthenticationMetadataFromContext(ctx context.Context) *AuthenticationMetadata {
	if value := ctx.Value(authenticationMetadataKey{}); value != nil {
		return value.(*AuthenticationMetadata)
	}
	return &defaultAuthenticationMetadata
}
