package buffer

type normalizingChunkReader struct {
	ChunkReader
	maximumChunkSizeBytes int
	pending               []byte
}

// newNormalizingChunkReader bounds the chunk sizes produced by a
// ChunkReader: oversized chunks are split up to the maximum, and empty
// chunks are dropped.
func newNormalizingChunkReader(r ChunkReader, maximumChunkSizeBytes int) ChunkReader {
	return &normalizingChunkReader{
		ChunkReader:           r,
		maximumChunkSizeBytes: maximumChunkSizeBytes,
	}
}

func (r *normalizingChunkReader) Read() ([]byte, error) {
	for {
		if len(r.pending) > 0 {
			if len(r.pending) > r.maximumChunkSizeBytes {
				chunk := r.pending[:r.maximumChunkSizeBytes]
				r.pending = r.pending[r.maximumChunkSizeBytes:]
				return chunk, nil
			}
			chunk := r.pending
			r.pending = nil
			return chunk, nil
		}

		chunk, err := r.ChunkReader.Read()
		if err != nil {
			return nil, err
		}
		r.pending = chunk
	}
}
