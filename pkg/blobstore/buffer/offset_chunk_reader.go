package buffer

type offsetChunkReader struct {
	ChunkReader
	prefix []byte
}

// newOffsetChunkReader skips the beginning of a chunked stream up to
// the provided offset, so that ByteStream reads can resume mid-blob.
func newOffsetChunkReader(r ChunkReader, off int64) ChunkReader {
	prefix, err := discardFromChunkReader(r, off)
	if err != nil {
		r.Close()
		return newErrorChunkReader(err)
	}
	if len(prefix) == 0 {
		// The offset fell on an exact chunk boundary; no
		// wrapping needed.
		return r
	}
	return &offsetChunkReader{
		ChunkReader: r,
		prefix:      prefix,
	}
}

func (r *offsetChunkReader) Read() ([]byte, error) {
	if prefix := r.prefix; len(prefix) > 0 {
		r.prefix = nil
		return prefix, nil
	}
	return r.ChunkReader.Read()
}
