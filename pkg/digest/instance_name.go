package digest

import (
	"strconv"
	"strings"

	remoteexecution "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Keywords that are not permitted to be placed inside instance names by
// the REv2 protocol. Permitting these would make parsing of URLs, such
// as the ones provided to the ByteStream service, ambiguous.
var reservedInstanceNameKeywords = map[string]bool{
	"blobs":            true,
	"uploads":          true,
	"actions":          true,
	"actionResults":    true,
	"operations":       true,
	"capabilities":     true,
	"compressed-blobs": true,
}

// InstanceName is a simple container around REv2 instance name strings.
// Because instance names are embedded in URLs, the REv2 protocol places
// some restrictions on which instance names are valid. This type can
// only be instantiated for values that are valid.
//
// An instance name whose final component is "blake3" selects BLAKE3 as
// the digest function for 64-character hashes, which would otherwise be
// interpreted as SHA-256.
type InstanceName struct {
	value string
}

// EmptyInstanceName corresponds to the instance name "". It is mainly
// declared to be used in places where the instance name doesn't matter
// (e.g., return values of functions in error cases).
var EmptyInstanceName InstanceName

func validateInstanceNameComponents(components []string) error {
	for _, component := range components {
		if component == "" {
			panic("Attempted to create an instance name with an empty component")
		}
		if _, ok := reservedInstanceNameKeywords[component]; ok {
			return status.Errorf(codes.InvalidArgument, "Instance name contains reserved keyword %#v", component)
		}
	}
	return nil
}

// NewInstanceName creates a new InstanceName object that can be used to
// parse digests.
func NewInstanceName(value string) (InstanceName, error) {
	if strings.HasPrefix(value, "/") || strings.HasSuffix(value, "/") || strings.Contains(value, "//") {
		return InstanceName{}, status.Error(codes.InvalidArgument, "Instance name contains redundant slashes")
	}
	components := strings.FieldsFunc(value, func(r rune) bool { return r == '/' })
	if err := validateInstanceNameComponents(components); err != nil {
		return InstanceName{}, err
	}
	return InstanceName{
		value: value,
	}, nil
}

// NewInstanceNameFromComponents is identical to NewInstanceName, except
// that it takes a series of pathname components instead of a single
// string.
func NewInstanceNameFromComponents(components []string) (InstanceName, error) {
	if err := validateInstanceNameComponents(components); err != nil {
		return InstanceName{}, err
	}
	return InstanceName{
		value: strings.Join(components, "/"),
	}, nil
}

// MustNewInstanceName is identical to NewInstanceName, except that it
// panics in case the instance name is invalid. This function can be
// used as part of unit tests.
func MustNewInstanceName(value string) InstanceName {
	instanceName, err := NewInstanceName(value)
	if err != nil {
		panic(err)
	}
	return instanceName
}

func (in InstanceName) String() string {
	return in.value
}

// GetComponents splits the instance name by '/' and returns each of the
// components. It is the inverse of NewInstanceNameFromComponents().
func (in InstanceName) GetComponents() []string {
	return strings.FieldsFunc(in.value, func(r rune) bool { return r == '/' })
}

// prefersBLAKE3 returns whether 64-character hashes parsed in the
// context of this instance name should be interpreted as BLAKE3 instead
// of SHA-256.
func (in InstanceName) prefersBLAKE3() bool {
	return in.value == "blake3" || strings.HasSuffix(in.value, "/blake3")
}

// GetDigestFunction creates a digest function object that is based on
// an instance name object and an REv2 digest function enumeration
// value. If the client did not provide an explicit enumeration value,
// the function is inferred from the length of hashes observed
// previously, provided through fallbackHashLength.
//
// When generating digests from within a context where a parent digest
// exists (e.g., while publishing outputs of a completed action), it is
// possible to call Digest.GetDigestFunction() instead.
func (in InstanceName) GetDigestFunction(digestFunction remoteexecution.DigestFunction_Value, fallbackHashLength int) (Function, error) {
	bareFunction := getBareFunction(digestFunction, fallbackHashLength, in.prefersBLAKE3())
	if bareFunction == nil {
		return Function{}, status.Error(codes.InvalidArgument, "Unknown digest function")
	}
	return Function{
		instanceName: in,
		bareFunction: bareFunction,
	}, nil
}

// NewDigest constructs a Digest object from an instance name, hash and
// object size. The object returned by this function is guaranteed to be
// non-degenerate.
func (in InstanceName) NewDigest(hash string, sizeBytes int64) (Digest, error) {
	bareFunction := getBareFunction(remoteexecution.DigestFunction_UNKNOWN, len(hash), in.prefersBLAKE3())
	if bareFunction == nil {
		return BadDigest, status.Errorf(codes.InvalidArgument, "Hash has length %d, while 32, 40, 64, 96 or 128 characters were expected", len(hash))
	}
	for _, c := range hash {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return BadDigest, status.Errorf(codes.InvalidArgument, "Hash contains invalid character %c", c)
		}
	}
	if sizeBytes < 0 {
		return BadDigest, status.Errorf(codes.InvalidArgument, "Invalid digest size: %d bytes", sizeBytes)
	}
	return in.newDigestUnchecked(hash, sizeBytes), nil
}

// NewDigestFromProto constructs a Digest object from an instance name
// and a protocol-level digest object. The object returned by this
// function is guaranteed to be non-degenerate.
func (in InstanceName) NewDigestFromProto(digest *remoteexecution.Digest) (Digest, error) {
	if digest == nil {
		return BadDigest, status.Error(codes.InvalidArgument, "No digest provided")
	}
	return in.NewDigest(digest.Hash, digest.SizeBytes)
}

// newDigestUnchecked constructs a Digest object from an instance name,
// hash and object size without validating its contents.
func (in InstanceName) newDigestUnchecked(hash string, sizeBytes int64) Digest {
	return Digest{
		value: hash + "-" + strconv.FormatInt(sizeBytes, 10) + "-" + in.value,
	}
}
