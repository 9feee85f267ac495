package jwt

import (
	"crypto/ecdsa"

	"github.com/toolchainlabs/remexec/pkg/random"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

type ecdsaSHASignatureGenerator struct {
	privateKey            *ecdsa.PrivateKey
	parameters            *ecdsaSHAParameters
	randomNumberGenerator random.ThreadSafeGenerator
}

// NewECDSASHASignatureGenerator creates a SignatureGenerator that signs
// JWTs with ECDSA. The algorithm (ES256, ES384 or ES512) and hash
// follow from the curve of the provided private key; keys on other
// curves are rejected.
func NewECDSASHASignatureGenerator(privateKey *ecdsa.PrivateKey, randomNumberGenerator random.ThreadSafeGenerator) (SignatureGenerator, error) {
	bitSize := privateKey.PublicKey.Curve.Params().BitSize
	parameters, ok := supportedECDSASHAParameters[bitSize]
	if !ok {
		return nil, status.Errorf(codes.InvalidArgument, "Private key has an invalid bit size: %d", bitSize)
	}
	return &ecdsaSHASignatureGenerator{
		privateKey:            privateKey,
		parameters:            parameters,
		randomNumberGenerator: randomNumberGenerator,
	}, nil
}

func (sg *ecdsaSHASignatureGenerator) GetAlgorithm() string {
	return sg.parameters.algorithm
}

func (sg *ecdsaSHASignatureGenerator) GenerateSignature(headerAndPayload string) ([]byte, error) {
	p := sg.parameters
	hash := p.hashFunc()
	hash.Write([]byte(headerAndPayload))
	r, s, err := ecdsa.Sign(sg.randomNumberGenerator, sg.privateKey, hash.Sum(nil))
	if err != nil {
		return nil, err
	}
	// JWS wants the raw r and s values concatenated at fixed width,
	// not the ASN.1 encoding crypto/ecdsa produces by default.
	signature := make([]byte, 2*p.keySizeBytes)
	r.FillBytes(signature[:p.keySizeBytes])
	s.FillBytes(signature[p.keySizeBytes:])
	return signature, nil
}
