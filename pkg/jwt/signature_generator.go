package jwt

// SignatureGenerator computes the signature part of a JWT, as used by
// GenerateAuthorizationHeader(). Counterpart of SignatureValidator.
type SignatureGenerator interface {
	GetAlgorithm() string
	GenerateSignature(headerAndPayload string) ([]byte, error)
}
