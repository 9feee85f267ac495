package jwt

import (
	"crypto"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/sha512"
	"hash"
)

type rsaSHASignatureValidator struct {
	key *rsa.PublicKey
}

// NewRSASHASignatureValidator creates a SignatureValidator that checks
// RS256, RS384 and RS512 signatures against a single RSA public key.
// The key ID in the token header is ignored; deployments with rotating
// keys should validate through a JWKS instead.
//
// RSA signatures are considerably larger than ECDSA and EdDSA ones,
// but RSA remains the algorithm most identity providers issue tokens
// with.
func NewRSASHASignatureValidator(key *rsa.PublicKey) SignatureValidator {
	return &rsaSHASignatureValidator{
		key: key,
	}
}

func (sv *rsaSHASignatureValidator) ValidateSignature(algorithm, keyID, headerAndPayload string, signature []byte) bool {
	var hashType crypto.Hash
	var hasher hash.Hash
	switch algorithm {
	case "RS256":
		hashType = crypto.SHA256
		hasher = sha256.New()
	case "RS384":
		hashType = crypto.SHA384
		hasher = sha512.New384()
	case "RS512":
		hashType = crypto.SHA512
		hasher = sha512.New()
	default:
		return false
	}
	hasher.Write([]byte(headerAndPayload))
	return rsa.VerifyPKCS1v15(sv.key, hashType, hasher.Sum(nil), signature) == nil
}
