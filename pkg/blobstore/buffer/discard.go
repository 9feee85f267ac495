package buffer

import (
	"io"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// discardFromReader skips over the first off bytes of an io.Reader.
// Readers created at a nonzero offset use this when the underlying
// source can only produce the blob from the start, as is the case
// right after an ErrorHandler substitutes a replacement Buffer.
func discardFromReader(r io.Reader, off int64) error {
	if off < 0 {
		return status.Errorf(codes.InvalidArgument, "Negative read offset: %d", off)
	}
	_, err := io.CopyN(io.Discard, r, off)
	return err
}

// discardFromChunkReader is the ChunkReader counterpart of
// discardFromReader. A chunk may straddle the requested offset, in
// which case its tail is returned so no data is lost.
func discardFromChunkReader(r ChunkReader, off int64) ([]byte, error) {
	if off < 0 {
		return nil, status.Errorf(codes.InvalidArgument, "Negative read offset: %d", off)
	}
	for off > 0 {
		chunk, err := r.Read()
		if err != nil {
			return nil, err
		}
		if off < int64(len(chunk)) {
			return chunk[off:], nil
		}
		off -= int64(len(chunk))
	}
	return nil, nil
}
