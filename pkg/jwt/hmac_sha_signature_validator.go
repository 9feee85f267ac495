package jwt

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/sha512"
	"hash"
)

type hmacSHASignatureValidator struct {
	key []byte
}

// NewHMACSHASignatureValidator creates a SignatureValidator that checks
// HS256, HS384 and HS512 signatures against a shared secret.
//
// Because signing and validation use the same key, every holder of the
// secret can mint tokens. That is acceptable when the token issuer and
// this service are operated by the same party; tokens from an external
// identity provider should be validated with one of the asymmetric
// validators.
func NewHMACSHASignatureValidator(key []byte) SignatureValidator {
	return &hmacSHASignatureValidator{
		key: key,
	}
}

func (sv *hmacSHASignatureValidator) ValidateSignature(algorithm, keyID, headerAndPayload string, signature []byte) bool {
	var hashFunc func() hash.Hash
	switch algorithm {
	case "HS256":
		hashFunc = sha256.New
	case "HS384":
		hashFunc = sha512.New384
	case "HS512":
		hashFunc = sha512.New
	default:
		return false
	}
	hasher := hmac.New(hashFunc, sv.key)
	hasher.Write([]byte(headerAndPayload))
	return hmac.Equal(hasher.Sum(nil), signature)
}
