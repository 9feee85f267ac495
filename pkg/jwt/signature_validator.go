package jwt

// SignatureValidator is used by AuthorizationHeaderParser to validate
// the signature of a JWT. Implementations of this interface may use
// HMAC, ECDSA or other algorithms.
//
// The key ID is taken from the "kid" field of the token's header. It is
// set to the empty string if the header does not contain one.
type SignatureValidator interface {
	ValidateSignature(algorithm, keyID, headerAndPayload string, signature []byte) bool
}
