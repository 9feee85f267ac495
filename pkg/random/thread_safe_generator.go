package random

// ThreadSafeGenerator is a SingleThreadedGenerator that may be shared
// between goroutines without external locking, at the cost of being
// slower than the single-threaded variants.
type ThreadSafeGenerator interface {
	SingleThreadedGenerator

	IsThreadSafe()
}
