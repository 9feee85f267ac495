package jwt

import (
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/toolchainlabs/remexec/pkg/util"

	"google.golang.org/grpc/codes"
)

// GenerateAuthorizationHeader signs a claims object and renders it as
// an "Authorization: Bearer ${jwt}" header value. It is the inverse of
// AuthorizationHeaderParser, and the tests of the latter use it to
// mint tokens instead of hardcoding them.
func GenerateAuthorizationHeader(payload interface{}, signatureGenerator SignatureGenerator) (string, error) {
	header := struct {
		Alg string `json:"alg"`
		Typ string `json:"typ"`
	}{
		Alg: signatureGenerator.GetAlgorithm(),
		Typ: "JWT",
	}
	headerJSON, err := json.Marshal(&header)
	if err != nil {
		return "", util.StatusWrapWithCode(err, codes.InvalidArgument, "Failed to marshal header")
	}
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return "", util.StatusWrapWithCode(err, codes.InvalidArgument, "Failed to marshal payload")
	}
	headerAndPayload := fmt.Sprintf(
		"%s.%s",
		base64.RawURLEncoding.EncodeToString(headerJSON),
		base64.RawURLEncoding.EncodeToString(payloadJSON))

	signature, err := signatureGenerator.GenerateSignature(headerAndPayload)
	if err != nil {
		return "", util.StatusWrap(err, "Failed to generate signature")
	}
	return fmt.Sprintf(
		"Bearer %s.%s",
		headerAndPayload,
		base64.RawURLEncoding.EncodeToString(signature)), nil
}
