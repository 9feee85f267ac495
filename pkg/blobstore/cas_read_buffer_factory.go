package blobstore

import (
	"context"
	"io"
	"math"

	"github.com/toolchainlabs/remexec/pkg/blobstore/buffer"
	"github.com/toolchainlabs/remexec/pkg/digest"

	"google.golang.org/protobuf/proto"
)

type casReadBufferFactory struct{}

func (f casReadBufferFactory) NewBufferFromByteSlice(blobDigest digest.Digest, data []byte, dataIntegrityCallback buffer.DataIntegrityCallback) buffer.Buffer {
	return buffer.NewCASBufferFromByteSlice(blobDigest, data, buffer.BackendProvided(dataIntegrityCallback))
}

func (f casReadBufferFactory) NewBufferFromReader(blobDigest digest.Digest, r io.ReadCloser, dataIntegrityCallback buffer.DataIntegrityCallback) buffer.Buffer {
	return buffer.NewCASBufferFromReader(blobDigest, r, buffer.BackendProvided(dataIntegrityCallback))
}

// CASReadBufferFactory is capable of creating buffers for objects
// stored in the Content Addressable Storage (CAS).
var CASReadBufferFactory ReadBufferFactory = casReadBufferFactory{}

// CASPutProto is a helper function for storing Protobuf messages in the
// Content Addressable Storage (CAS). It computes the digest of the
// message and stores it under that key. The digest is then returned, so
// that the object may be referenced.
func CASPutProto(ctx context.Context, blobAccess BlobAccess, message proto.Message, digestFunction digest.Function) (digest.Digest, error) {
	bDigest, bPut := buffer.NewProtoBufferFromProto(message, buffer.UserProvided).CloneCopy(math.MaxInt)

	// Compute new digest of data.
	digestGenerator := digestFunction.NewGenerator()
	if err := bDigest.IntoWriter(digestGenerator); err != nil {
		bPut.Discard()
		return digest.BadDigest, err
	}
	blobDigest := digestGenerator.Sum()

	if err := blobAccess.Put(ctx, blobDigest, bPut); err != nil {
		return digest.BadDigest, err
	}
	return blobDigest, nil
}
