package buffer

import (
	"io"
)

type errorHandlingChunkReader struct {
	base                  ChunkReader
	errorHandler          ErrorHandler
	off                   int64
	maximumChunkSizeBytes int
}

// newErrorHandlingChunkReader wraps the chunked stream of a Buffer so
// that I/O failures are routed through an ErrorHandler. When the
// handler supplies a replacement Buffer, reading resumes from it at
// the current offset.
func newErrorHandlingChunkReader(b Buffer, errorHandler ErrorHandler, off int64, maximumChunkSizeBytes int) ChunkReader {
	return &errorHandlingChunkReader{
		base:                  b.toUnvalidatedChunkReader(off, maximumChunkSizeBytes),
		errorHandler:          errorHandler,
		off:                   off,
		maximumChunkSizeBytes: maximumChunkSizeBytes,
	}
}

func (r *errorHandlingChunkReader) Read() ([]byte, error) {
	for {
		chunk, originalErr := r.base.Read()
		if originalErr == nil {
			r.off += int64(len(chunk))
			return chunk, nil
		}
		if originalErr == io.EOF {
			return nil, io.EOF
		}
		b, translatedErr := r.errorHandler.OnError(originalErr)
		if translatedErr != nil {
			return nil, translatedErr
		}
		r.base.Close()
		r.base = b.toUnvalidatedChunkReader(r.off, r.maximumChunkSizeBytes)
	}
}

func (r *errorHandlingChunkReader) Close() {
	r.errorHandler.Done()
	r.base.Close()
}
