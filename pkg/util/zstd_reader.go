package util

import (
	"io"

	"github.com/klauspost/compress/zstd"
)

type zstdReadCloser struct {
	*zstd.Decoder

	underlying io.ReadCloser
}

// NewZstdReadCloser decompresses a Zstandard stream read from the
// underlying reader. Closing it releases the decoder and closes the
// underlying reader as well.
func NewZstdReadCloser(underlying io.ReadCloser, options ...zstd.DOption) (io.ReadCloser, error) {
	decoder, err := zstd.NewReader(underlying, options...)
	if err != nil {
		return nil, err
	}
	return &zstdReadCloser{Decoder: decoder, underlying: underlying}, nil
}

func (r *zstdReadCloser) Close() error {
	r.Decoder.Close()
	return r.underlying.Close()
}
