package buffer

import (
	"io"
)

type errorHandlingReader struct {
	base         io.ReadCloser
	errorHandler ErrorHandler
	off          int64
}

// newErrorHandlingReader is the io.ReadCloser counterpart of
// newErrorHandlingChunkReader.
func newErrorHandlingReader(b Buffer, errorHandler ErrorHandler, off int64) io.ReadCloser {
	return &errorHandlingReader{
		base:         b.toUnvalidatedReader(off),
		errorHandler: errorHandler,
		off:          off,
	}
}

func (r *errorHandlingReader) Read(p []byte) (int, error) {
	n, originalErr := r.base.Read(p)
	r.off += int64(n)
	if originalErr == nil || originalErr == io.EOF {
		return n, originalErr
	}
	b, translatedErr := r.errorHandler.OnError(originalErr)
	if translatedErr != nil {
		return n, translatedErr
	}
	r.base.Close()
	r.base = b.toUnvalidatedReader(r.off)
	return n, nil
}

func (r *errorHandlingReader) Close() error {
	r.errorHandler.Done()
	return r.base.Close()
}
