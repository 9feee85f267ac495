package digest

import (
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"hash"

	remoteexecution "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
	"github.com/zeebo/blake3"
)

// SupportedDigestFunctions is the list of digest functions supported by
// digest.Digest, using the enumeration values that are part of the
// Remote Execution protocol.
var SupportedDigestFunctions = []remoteexecution.DigestFunction_Value{
	remoteexecution.DigestFunction_BLAKE3,
	remoteexecution.DigestFunction_MD5,
	remoteexecution.DigestFunction_SHA1,
	remoteexecution.DigestFunction_SHA256,
	remoteexecution.DigestFunction_SHA384,
	remoteexecution.DigestFunction_SHA512,
}

// shortestSupportedHashStringSize is the size of the shortest string
// that may be returned by Digest.GetHashString().
const shortestSupportedHashStringSize = md5.Size * 2

// bareFunction contains all of the properties of a bare REv2 digest
// function that is not bound to an instance name. Exactly one instance
// is declared for each of the digest functions that are supported by
// this implementation.
type bareFunction struct {
	enumValue     remoteexecution.DigestFunction_Value
	hasherFactory func() hash.Hash
	hashBytesSize int
}

var (
	blake3BareFunction = bareFunction{
		enumValue: remoteexecution.DigestFunction_BLAKE3,
		hasherFactory: func() hash.Hash {
			return blake3.New()
		},
		hashBytesSize: 32,
	}
	md5BareFunction = bareFunction{
		enumValue:     remoteexecution.DigestFunction_MD5,
		hasherFactory: md5.New,
		hashBytesSize: md5.Size,
	}
	sha1BareFunction = bareFunction{
		enumValue:     remoteexecution.DigestFunction_SHA1,
		hasherFactory: sha1.New,
		hashBytesSize: sha1.Size,
	}
	sha256BareFunction = bareFunction{
		enumValue:     remoteexecution.DigestFunction_SHA256,
		hasherFactory: sha256.New,
		hashBytesSize: sha256.Size,
	}
	sha384BareFunction = bareFunction{
		enumValue:     remoteexecution.DigestFunction_SHA384,
		hasherFactory: sha512.New384,
		hashBytesSize: sha512.Size384,
	}
	sha512BareFunction = bareFunction{
		enumValue:     remoteexecution.DigestFunction_SHA512,
		hasherFactory: sha512.New,
		hashBytesSize: sha512.Size,
	}
)

// getBareFunction returns the bare digest function that corresponds to
// an REv2 digest function enumeration value. If the caller did not
// provide an explicit digest function, it is inferred from the length
// of the hash. Hashes of 64 characters are ambiguous between SHA-256
// and BLAKE3; the instance name breaks the tie (see
// InstanceName.prefersBLAKE3()).
func getBareFunction(digestFunction remoteexecution.DigestFunction_Value, hashStringSize int, preferBLAKE3 bool) *bareFunction {
	switch digestFunction {
	case remoteexecution.DigestFunction_UNKNOWN:
		switch hashStringSize {
		case md5.Size * 2:
			return &md5BareFunction
		case sha1.Size * 2:
			return &sha1BareFunction
		case sha256.Size * 2:
			if preferBLAKE3 {
				return &blake3BareFunction
			}
			return &sha256BareFunction
		case sha512.Size384 * 2:
			return &sha384BareFunction
		case sha512.Size * 2:
			return &sha512BareFunction
		}
	case remoteexecution.DigestFunction_BLAKE3:
		return &blake3BareFunction
	case remoteexecution.DigestFunction_MD5:
		return &md5BareFunction
	case remoteexecution.DigestFunction_SHA1:
		return &sha1BareFunction
	case remoteexecution.DigestFunction_SHA256:
		return &sha256BareFunction
	case remoteexecution.DigestFunction_SHA384:
		return &sha384BareFunction
	case remoteexecution.DigestFunction_SHA512:
		return &sha512BareFunction
	}
	return nil
}
