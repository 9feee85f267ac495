package buffer

import (
	"io"
)

// chunkReaderBackedReader adapts a ChunkReader to io.ReadCloser,
// carrying over the unread tail of the previous chunk between calls.
type chunkReaderBackedReader struct {
	r         ChunkReader
	remainder []byte
}

func newChunkReaderBackedReader(r ChunkReader) io.ReadCloser {
	return &chunkReaderBackedReader{
		r: r,
	}
}

func (r *chunkReaderBackedReader) Read(p []byte) (int, error) {
	nTotal := copy(p, r.remainder)
	p = p[nTotal:]
	r.remainder = r.remainder[nTotal:]

	for len(p) > 0 {
		chunk, err := r.r.Read()
		if err != nil {
			return nTotal, err
		}
		nCopied := copy(p, chunk)
		nTotal += nCopied
		p = p[nCopied:]
		r.remainder = chunk[nCopied:]
	}
	return nTotal, nil
}

func (r *chunkReaderBackedReader) Close() error {
	r.r.Close()
	return nil
}
