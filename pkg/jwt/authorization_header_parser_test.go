package jwt_test

import (
	"testing"
	"time"

	"github.com/jmespath/go-jmespath"
	"github.com/stretchr/testify/require"
	"github.com/toolchainlabs/remexec/pkg/clock"
	"github.com/toolchainlabs/remexec/pkg/eviction"
	"github.com/toolchainlabs/remexec/pkg/jwt"
)

var hmacTestKey = []byte("supersecret")

// countingSignatureValidator keeps track of how often signature
// validation is performed, so that tests can observe cache hits.
type countingSignatureValidator struct {
	base  jwt.SignatureValidator
	calls int
}

func (sv *countingSignatureValidator) ValidateSignature(algorithm, keyID, headerAndPayload string, signature []byte) bool {
	sv.calls++
	return sv.base.ValidateSignature(algorithm, keyID, headerAndPayload, signature)
}

func mustGenerateHeader(t *testing.T, payload interface{}) string {
	header, err := jwt.GenerateAuthorizationHeader(payload, jwt.NewHMACSHASignatureGenerator(hmacTestKey))
	require.NoError(t, err)
	return header
}

func TestAuthorizationHeaderParser(t *testing.T) {
	signatureValidator := &countingSignatureValidator{
		base: jwt.NewHMACSHASignatureValidator(hmacTestKey),
	}
	deterministicClock := clock.NewDeterministicClock(time.Unix(1600000000, 0))
	authenticator := jwt.NewAuthorizationHeaderParser(
		deterministicClock,
		signatureValidator,
		"example-cluster",
		jmespath.MustCompile("@"),
		1000,
		eviction.NewLRUSet[string]())

	t.Run("NoBearerPrefix", func(t *testing.T) {
		_, ok := authenticator.ParseAuthorizationHeaders([]string{"Basic dXNlcjpwYXNz"})
		require.False(t, ok)
	})

	t.Run("Success", func(t *testing.T) {
		header := mustGenerateHeader(t, map[string]interface{}{
			"aud":    "example-cluster",
			"exp":    1600000300,
			"tenant": "acme",
		})
		metadata, ok := authenticator.ParseAuthorizationHeaders([]string{header})
		require.True(t, ok)
		require.Equal(t, "acme", metadata.GetTenant())

		// Presenting the same header a second time should not
		// cause the signature to be validated again.
		calls := signatureValidator.calls
		_, ok = authenticator.ParseAuthorizationHeaders([]string{header})
		require.True(t, ok)
		require.Equal(t, calls, signatureValidator.calls)
	})

	t.Run("Expired", func(t *testing.T) {
		header := mustGenerateHeader(t, map[string]interface{}{
			"aud": "example-cluster",
			"exp": 1600000000,
		})
		_, ok := authenticator.ParseAuthorizationHeaders([]string{header})
		require.False(t, ok)
	})

	t.Run("ExpiresWhileCached", func(t *testing.T) {
		header := mustGenerateHeader(t, map[string]interface{}{
			"aud": "example-cluster",
			"exp": 1600000120,
		})
		_, ok := authenticator.ParseAuthorizationHeaders([]string{header})
		require.True(t, ok)

		// A cached positive response must not outlive the
		// token's expiration time.
		deterministicClock.Advance(3 * time.Minute)
		_, ok = authenticator.ParseAuthorizationHeaders([]string{header})
		require.False(t, ok)
	})

	t.Run("NotYetValid", func(t *testing.T) {
		header := mustGenerateHeader(t, map[string]interface{}{
			"aud": "example-cluster",
			"nbf": 1700000000,
		})
		_, ok := authenticator.ParseAuthorizationHeaders([]string{header})
		require.False(t, ok)
	})

	t.Run("WrongAudience", func(t *testing.T) {
		header := mustGenerateHeader(t, map[string]interface{}{
			"aud":    "some-other-cluster",
			"tenant": "acme",
		})
		_, ok := authenticator.ParseAuthorizationHeaders([]string{header})
		require.False(t, ok)
	})

	t.Run("AudienceList", func(t *testing.T) {
		header := mustGenerateHeader(t, map[string]interface{}{
			"aud":    []string{"some-other-cluster", "example-cluster"},
			"tenant": "acme",
		})
		metadata, ok := authenticator.ParseAuthorizationHeaders([]string{header})
		require.True(t, ok)
		require.Equal(t, "acme", metadata.GetTenant())
	})

	t.Run("MissingAudience", func(t *testing.T) {
		header := mustGenerateHeader(t, map[string]interface{}{
			"tenant": "acme",
		})
		_, ok := authenticator.ParseAuthorizationHeaders([]string{header})
		require.False(t, ok)
	})

	t.Run("BadSignature", func(t *testing.T) {
		header, err := jwt.GenerateAuthorizationHeader(map[string]interface{}{
			"aud": "example-cluster",
		}, jwt.NewHMACSHASignatureGenerator([]byte("someotherkey")))
		require.NoError(t, err)
		_, ok := authenticator.ParseAuthorizationHeaders([]string{header})
		require.False(t, ok)
	})
}

func TestAuthorizationHeaderParserMetadataExtraction(t *testing.T) {
	authenticator := jwt.NewAuthorizationHeaderParser(
		clock.NewDeterministicClock(time.Unix(1600000000, 0)),
		jwt.NewHMACSHASignatureValidator(hmacTestKey),
		"",
		jmespath.MustCompile("{tenant: tenant, user: sub}"),
		1000,
		eviction.NewLRUSet[string]())

	header := mustGenerateHeader(t, map[string]interface{}{
		"sub":    "builder@acme.example",
		"tenant": "acme",
		"secret": "should-not-propagate",
	})
	metadata, ok := authenticator.ParseAuthorizationHeaders([]string{header})
	require.True(t, ok)
	require.Equal(t, "acme", metadata.GetTenant())
	require.Equal(t, map[string]interface{}{
		"tenant": "acme",
		"user":   "builder@acme.example",
	}, metadata.GetRaw())
}
