package buffer

import (
	"io"

	"google.golang.org/protobuf/proto"
)

// Buffer holds data read from or written to the Content Addressable
// Storage (CAS) or the Action Cache (AC).
//
// Producers hand blob contents to BlobAccess implementations in
// different shapes: byte slices, io.Readers, or chunked streams coming
// off the wire. Consumers want them back in yet other shapes. Buffer
// abstracts over those representations and converts lazily, avoiding
// copies where it can: a buffer created from a byte slice returns the
// original slice from ToByteSlice().
//
// Buffers also guard integrity. Buffers created through
// NewProtoBufferFrom*() only yield data that unmarshals as the given
// message type. Buffers created through NewCASBufferFrom*() only yield
// data whose size and checksum match the digest under which the blob
// is stored.
type Buffer interface {
	// GetSizeBytes returns the size of the data held by the buffer.
	// It fails if the buffer is in a known error state in which the
	// size is unknown.
	GetSizeBytes() (int64, error)

	// Exactly one of the consuming functions below must be called,
	// so that resources backing the buffer (e.g., an io.ReadCloser)
	// are released.

	// IntoWriter copies the entire contents into a Writer.
	IntoWriter(w io.Writer) error
	// ReadAt reads into p starting at the given offset.
	ReadAt(p []byte, off int64) (int, error)
	// ToProto unmarshals the contents as a Protobuf message. The
	// provided message is used as storage unless the buffer is
	// already backed by one; callers type-assert the result back to
	// the concrete message type.
	ToProto(m proto.Message, maximumSizeBytes int) (proto.Message, error)
	// ToByteSlice returns the full contents as a byte slice.
	ToByteSlice(maximumSizeBytes int) ([]byte, error)
	// ToChunkReader streams the contents starting at the given
	// offset as a sequence of byte slices, as the ByteStream
	// service needs.
	ToChunkReader(off int64, maximumChunkSizeBytes int) ChunkReader
	// ToReader returns a reader over the entire contents.
	ToReader() io.ReadCloser
	// CloneCopy returns two handles to the same underlying object,
	// for callers that must inspect contents before passing them
	// on (e.g., completeness checking of ActionResults).
	CloneCopy(maximumSizeBytes int) (Buffer, Buffer)
	// Discard releases the buffer without reading it.
	Discard()

	// applyErrorHandler installs an error handler that is invoked
	// whenever an I/O error occurs on the buffer.
	//
	// For buffers whose outcome is already known (byte slices,
	// errors) the handler may be run immediately instead of
	// wrapping. The boolean result indicates that the caller must
	// call applyErrorHandler again on the replacement.
	applyErrorHandler(errorHandler ErrorHandler) (replacement Buffer, shouldRetry bool)

	// Unvalidated variants of ToChunkReader() and ToReader(), for
	// use when checksum validation happens at a higher level. When
	// a failed read is resumed against another buffer, the parts
	// must be validated as a whole, so the individual parts are
	// read unvalidated.
	toUnvalidatedChunkReader(off int64, maximumChunkSizeBytes int) ChunkReader
	toUnvalidatedReader(off int64) io.ReadCloser
}
