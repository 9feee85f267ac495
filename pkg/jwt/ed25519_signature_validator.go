package jwt

import (
	"crypto/ed25519"
)

type ed25519SignatureValidator struct {
	publicKey ed25519.PublicKey
}

// NewEd25519SignatureValidator creates a SignatureValidator that checks
// "EdDSA" signatures against an Ed25519 public key. Ed25519 needs no
// parameter table the way ECDSA does: the curve fixes the hash and the
// signature width.
func NewEd25519SignatureValidator(publicKey ed25519.PublicKey) SignatureValidator {
	return &ed25519SignatureValidator{
		publicKey: publicKey,
	}
}

func (sv *ed25519SignatureValidator) ValidateSignature(algorithm, keyID, headerAndPayload string, signature []byte) bool {
	if algorithm != "EdDSA" {
		return false
	}
	return ed25519.Verify(sv.publicKey, []byte(headerAndPayload), signature)
}
