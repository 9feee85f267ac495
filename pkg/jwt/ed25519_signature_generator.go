package jwt

import (
	"crypto/ed25519"
)

type ed25519SignatureGenerator struct {
	privateKey ed25519.PrivateKey
}

// NewEd25519SignatureGenerator creates a SignatureGenerator for the
// "EdDSA" JWT algorithm: Edwards-curve signatures over Curve25519.
// Signing requires the private key; validation only needs the public
// half.
func NewEd25519SignatureGenerator(privateKey ed25519.PrivateKey) SignatureGenerator {
	return ed25519SignatureGenerator{
		privateKey: privateKey,
	}
}

func (sc ed25519SignatureGenerator) GetAlgorithm() string {
	return "EdDSA"
}

func (sc ed25519SignatureGenerator) GenerateSignature(headerAndPayload string) ([]byte, error) {
	return ed25519.Sign(sc.privateKey, []byte(headerAndPayload)), nil
}
