package eviction

// Set tracks which entries of a bounded cache should be discarded
// first. The JWT validation cache and the FindMissing existence cache
// both size-limit themselves through one of these. Implementations are
// not safe for concurrent use; callers hold their own lock.
type Set[T comparable] interface {
	// Insert adds a value that is not yet present in the set.
	Insert(value T)

	// Touch records that the entry for the given value was used.
	// Recency-based policies such as LRU reorder the entry; policies
	// such as Random Replacement ignore the call. The value must be
	// present in the set.
	Touch(value T)

	// Peek returns the value that should be evicted next. May only
	// be called on a non-empty set.
	Peek() T

	// Remove discards the value last returned by Peek().
	Remove()
}
