package buffer

import (
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// ChunkReader yields the contents of a blob as a sequence of byte
// slices owned by the implementation, instead of copying into a
// caller-provided array the way io.Reader does. This matches
// frame-based transfer protocols such as the ByteStream protocol,
// where each response message carries one chunk.
type ChunkReader interface {
	Read() ([]byte, error)
	Close()
}

// validateReaderOffset rejects the offsets that ToChunkReader() does
// not permit: negative ones and ones past the end of the object.
func validateReaderOffset(length, requested int64) error {
	if requested < 0 {
		return status.Errorf(codes.InvalidArgument, "Negative read offset: %d", requested)
	}
	if requested > length {
		return status.Errorf(codes.InvalidArgument, "Buffer is %d bytes in size, while a read at offset %d was requested", length, requested)
	}
	return nil
}
