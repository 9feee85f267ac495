package random

import (
	"math/rand"
)

// SingleThreadedGenerator is a random number generator that must not be
// used concurrently. The method set is a subset of Go's rand.Rand.
type SingleThreadedGenerator interface {
	// Float64 yields a number in range [0.0, 1.0), used for
	// computing jittered retry delays.
	Float64() float64
	// Int63n yields a number in range [0, n) for an int64 bound.
	Int63n(n int64) int64
	// Intn yields a number in range [0, n) for an int bound.
	Intn(n int) int
	// Read fills p with random bytes. It never fails.
	Read(p []byte) (int, error)
	// Shuffle permutes a list of n elements.
	Shuffle(n int, swap func(i, j int))
	// Uint64 yields an arbitrary 64-bit value.
	Uint64() uint64
}

var _ SingleThreadedGenerator = (*rand.Rand)(nil)
