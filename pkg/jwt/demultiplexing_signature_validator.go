package jwt

type demultiplexingSignatureValidator struct {
	namedSignatureValidators map[string]SignatureValidator
	allSignatureValidators   []SignatureValidator
}

// NewDemultiplexingSignatureValidator creates a SignatureValidator that
// dispatches on the "kid" field of the JWT header. Key sets obtained
// through JWKS carry key IDs, which makes it possible to select the
// right key directly instead of attempting them all.
func NewDemultiplexingSignatureValidator(namedSignatureValidators map[string]SignatureValidator, allSignatureValidators []SignatureValidator) SignatureValidator {
	return &demultiplexingSignatureValidator{
		namedSignatureValidators: namedSignatureValidators,
		allSignatureValidators:   allSignatureValidators,
	}
}

func (sv *demultiplexingSignatureValidator) ValidateSignature(algorithm, keyID, headerAndPayload string, signature []byte) bool {
	if keyID == "" {
		// Tokens without a key ID fall back to trying every key.
		for _, signatureValidator := range sv.allSignatureValidators {
			if signatureValidator.ValidateSignature(algorithm, keyID, headerAndPayload, signature) {
				return true
			}
		}
	} else if signatureValidator, ok := sv.namedSignatureValidators[keyID]; ok {
		return signatureValidator.ValidateSignature(algorithm, keyID, headerAndPayload, signature)
	}
	return false
}
