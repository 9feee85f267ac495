package blobstore

import (
	"io"

	remoteexecution "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
	"github.com/toolchainlabs/remexec/pkg/blobstore/buffer"
	"github.com/toolchainlabs/remexec/pkg/digest"
)

type acReadBufferFactory struct{}

func (f acReadBufferFactory) NewBufferFromByteSlice(blobDigest digest.Digest, data []byte, dataIntegrityCallback buffer.DataIntegrityCallback) buffer.Buffer {
	return buffer.NewProtoBufferFromByteSlice(&remoteexecution.ActionResult{}, data, buffer.BackendProvided(dataIntegrityCallback))
}

func (f acReadBufferFactory) NewBufferFromReader(blobDigest digest.Digest, r io.ReadCloser, dataIntegrityCallback buffer.DataIntegrityCallback) buffer.Buffer {
	return buffer.NewProtoBufferFromReader(&remoteexecution.ActionResult{}, r, buffer.BackendProvided(dataIntegrityCallback))
}

// ACReadBufferFactory is capable of creating buffers for objects stored
// in the Action Cache (AC).
var ACReadBufferFactory ReadBufferFactory = acReadBufferFactory{}
