package jwt

import (
	"crypto/hmac"
	"crypto/sha256"
)

type hmacSHASignatureGenerator struct {
	key []byte
}

// NewHMACSHASignatureGenerator creates a SignatureGenerator that can
// sign a JWT using Hash-based Message Authentication Code (HMAC) with
// SHA-256. As HMAC is symmetric, the same key must be provided to
// NewHMACSHASignatureValidator on the receiving side.
func NewHMACSHASignatureGenerator(key []byte) SignatureGenerator {
	return &hmacSHASignatureGenerator{
		key: key,
	}
}

func (sc *hmacSHASignatureGenerator) GetAlgorithm() string {
	return "HS256"
}

func (sc *hmacSHASignatureGenerator) GenerateSignature(headerAndPayload string) ([]byte, error) {
	hasher := hmac.New(sha256.New, sc.key)
	hasher.Write([]byte(headerAndPayload))
	return hasher.Sum(nil), nil
}
