package buffer

// ErrorHandler hooks into errors that occur on Buffer objects. It can
// be used to observe errors (MetricsBlobAccess), to substitute or
// augment them (ExistenceCachingBlobAccess demotes NotFound responses
// for digests whose presence was cached), or to hand back an
// alternative buffer from which the content can be obtained instead.
//
// Zero or more calls to OnError() are made, followed by exactly one
// call to Done().
//
// ErrorHandler is only invoked for errors where switching to another
// buffer could still make progress, such as I/O errors. It is not
// invoked for:
//
//   - Invalid read offsets passed to ToChunkReader(). Another buffer
//     would reject them just the same.
//   - Checksum mismatches on streams returned by ToChunkReader() and
//     ToReader(). Faulty data may already have reached the consumer,
//     which switching buffers cannot undo. Mismatches detected by
//     ReadAt() and ToByteSlice() are retried, as those calls only
//     return data after validating it in full.
type ErrorHandler interface {
	OnError(err error) (Buffer, error)
	Done()
}

// WithErrorHandler attaches an ErrorHandler to a Buffer. If the
// provided Buffer is already in a guaranteed success/failure state, the
// ErrorHandler may be applied immediately.
func WithErrorHandler(b Buffer, errorHandler ErrorHandler) Buffer {
	for {
		var retry bool
		b, retry = b.applyErrorHandler(errorHandler)
		if !retry {
			return b
		}
	}
}
