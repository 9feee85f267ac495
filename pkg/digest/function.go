package digest

import (
	"encoding/hex"
	"hash"

	remoteexecution "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Function for computing new Digest objects. Function is a tuple of the
// REv2 instance name and hashing algorithm.
type Function struct {
	instanceName InstanceName
	bareFunction *bareFunction
}

// MustNewFunction constructs a Function similar to
// InstanceName.GetDigestFunction(), but never returns an error.
// Instead, execution will abort if the provided options are invalid.
// Useful for unit testing.
func MustNewFunction(instanceName string, digestFunction remoteexecution.DigestFunction_Value) Function {
	in, err := NewInstanceName(instanceName)
	if err != nil {
		panic(err)
	}
	f, err := in.GetDigestFunction(digestFunction, 0)
	if err != nil {
		panic(err)
	}
	return f
}

// GetInstanceName returns the instance name that Digest objects would
// use if they were created from this Function.
func (f Function) GetInstanceName() InstanceName {
	return f.instanceName
}

// GetEnumValue returns the REv2 enumeration value that corresponds to
// the digest function.
func (f Function) GetEnumValue() remoteexecution.DigestFunction_Value {
	return f.bareFunction.enumValue
}

// NewDigest constructs a Digest object from a hash and object size. The
// object returned by this function is guaranteed to be non-degenerate.
func (f Function) NewDigest(hash string, sizeBytes int64) (Digest, error) {
	if len(hash) != f.bareFunction.hashBytesSize*2 {
		return BadDigest, status.Errorf(codes.InvalidArgument, "Hash has length %d, while %d characters were expected", len(hash), f.bareFunction.hashBytesSize*2)
	}
	return f.instanceName.NewDigest(hash, sizeBytes)
}

// NewDigestFromProto constructs a Digest object from a digest message
// that is part of an incoming request.
func (f Function) NewDigestFromProto(digest *remoteexecution.Digest) (Digest, error) {
	if digest == nil {
		return BadDigest, status.Error(codes.InvalidArgument, "No digest provided")
	}
	return f.NewDigest(digest.GetHash(), digest.GetSizeBytes())
}

// NewGenerator creates a writer that may be used to compute digests of
// newly created files.
func (f Function) NewGenerator() *Generator {
	return &Generator{
		instanceName: f.instanceName,
		partialHash:  f.bareFunction.hasherFactory(),
	}
}

// Generator is a writer that may be used to compute digests of newly
// created files.
type Generator struct {
	instanceName InstanceName
	partialHash  hash.Hash
	sizeBytes    int64
}

// Write a chunk of data from a newly created file into the state of the
// Generator.
func (dg *Generator) Write(p []byte) (int, error) {
	n, err := dg.partialHash.Write(p)
	dg.sizeBytes += int64(n)
	return n, err
}

// Sum creates a new digest based on the data written into the
// Generator.
func (dg *Generator) Sum() Digest {
	return dg.instanceName.newDigestUnchecked(
		hex.EncodeToString(dg.partialHash.Sum(nil)),
		dg.sizeBytes)
}
