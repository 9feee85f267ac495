package util

// Must unwraps a (value, error) pair, panicking on error. Only for
// construction that cannot fail unless an invariant of the program is
// broken, such as parsing a constant.
func Must[T any](v T, err error) T {
	if err != nil {
		panic(err)
	}
	return v
}
