package jwt

import (
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rsa"
	"reflect"

	jose "github.com/go-jose/go-jose/v3"
	"github.com/toolchainlabs/remexec/pkg/util"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// NewSignatureValidatorFromJSONWebKeySet creates a SignatureValidator
// capable of validating JWTs matching keys contained in a JSON Web Key
// Set, as described in RFC 7517, chapter 5.
func NewSignatureValidatorFromJSONWebKeySet(jwks *jose.JSONWebKeySet) (SignatureValidator, error) {
	namedSignatureValidators := make(map[string]SignatureValidator, len(jwks.Keys))
	allSignatureValidators := make([]SignatureValidator, 0, len(jwks.Keys))
	for i, jwk := range jwks.Keys {
		if !jwk.Valid() {
			return nil, status.Errorf(codes.InvalidArgument, "Invalid JSON Web Key at index %d", i)
		}

		var signatureValidator SignatureValidator
		switch convertedKey := jwk.Key.(type) {
		case *ecdsa.PublicKey:
			var err error
			signatureValidator, err = NewECDSASHASignatureValidator(convertedKey)
			if err != nil {
				return nil, util.StatusWrapf(err, "Invalid ECDSA key at index %d", i)
			}
		case ed25519.PublicKey:
			signatureValidator = NewEd25519SignatureValidator(convertedKey)
		case *rsa.PublicKey:
			signatureValidator = NewRSASHASignatureValidator(convertedKey)
		case []byte:
			signatureValidator = NewHMACSHASignatureValidator(convertedKey)
		default:
			keyType := reflect.TypeOf(jwk.Key)
			return nil, status.Errorf(codes.InvalidArgument, "Unsupported public key type at index %d: %s/%s", i, keyType.PkgPath(), keyType.Name())
		}

		if jwk.KeyID != "" {
			// JSON Web Key contains a key ID. Ensure that
			// JWTs that contain an explicit key ID only get
			// matched to this validator if the key ID
			// matches.
			if _, ok := namedSignatureValidators[jwk.KeyID]; ok {
				return nil, status.Errorf(codes.InvalidArgument, "JSON Web Key Set contains multiple keys with ID %#v", jwk.KeyID)
			}
			namedSignatureValidators[jwk.KeyID] = signatureValidator
		}
		allSignatureValidators = append(allSignatureValidators, signatureValidator)
	}

	return NewDemultiplexingSignatureValidator(namedSignatureValidators, allSignatureValidators), nil
}
