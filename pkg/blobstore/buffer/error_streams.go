package buffer

import (
	"io"
)

// errorChunkReader and errorReader terminate a stream with a fixed
// error. They back buffers whose failure is already known, such as
// ones created through NewBufferFromError().
type errorChunkReader struct {
	err error
}

func newErrorChunkReader(err error) ChunkReader {
	return errorChunkReader{err: err}
}

func (r errorChunkReader) Read() ([]byte, error) {
	return nil, r.err
}

func (errorChunkReader) Close() {
}

type errorReader struct {
	err error
}

func newErrorReader(err error) io.ReadCloser {
	return errorReader{err: err}
}

func (r errorReader) Read(p []byte) (int, error) {
	return 0, r.err
}

func (errorReader) Close() error {
	return nil
}
