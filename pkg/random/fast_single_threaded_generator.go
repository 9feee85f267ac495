package random

import (
	math_rand "math/rand"

	"github.com/lazybeaver/xorshift"
)

type xorShiftSource64 struct {
	state xorshift.XorShift
}

func (s *xorShiftSource64) Int63() int64 {
	return int64(s.Uint64() >> 1)
}

func (s *xorShiftSource64) Uint64() uint64 {
	return s.state.Next()
}

func (s *xorShiftSource64) Seed(seed int64) {
	panic("XorShift source must be seeded upon creation")
}

var _ math_rand.Source64 = (*xorShiftSource64)(nil)

type fastSingleThreadedGenerator struct {
	*math_rand.Rand
}

// NewFastSingleThreadedGenerator creates a new SingleThreadedGenerator
// that is not suitable for cryptographic purposes. The generator is
// seeded from the cryptographic generator and backed by a
// xorshift64* sequence, which is sufficient for retry jitter and
// shuffling.
func NewFastSingleThreadedGenerator() SingleThreadedGenerator {
	return fastSingleThreadedGenerator{
		Rand: math_rand.New(&xorShiftSource64{
			state: xorshift.NewXorShift64Star(CryptoThreadSafeGenerator.Uint64() | 1),
		}),
	}
}

func (fastSingleThreadedGenerator) Read(p []byte) (int, error) {
	return mustCryptoRandRead(p)
}
