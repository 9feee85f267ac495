package random_test

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/toolchainlabs/remexec/pkg/random"
)

func TestSingleThreadedGenerator(t *testing.T) {
	for name, generator := range map[string]random.SingleThreadedGenerator{
		"FastSingleThreaded": random.NewFastSingleThreadedGenerator(),
		"FastThreadSafe":     random.FastThreadSafeGenerator,
		"CryptoThreadSafe":   random.CryptoThreadSafeGenerator,
	} {
		t.Run(name, func(t *testing.T) {
			t.Run("Float64", func(t *testing.T) {
				for i := 0; i < 100; i++ {
					v := generator.Float64()
					require.LessOrEqual(t, 0.0, v)
					require.Greater(t, 1.0, v)
				}
			})

			t.Run("Int63n", func(t *testing.T) {
				for i := 0; i < 100; i++ {
					v := generator.Int63n(17)
					require.LessOrEqual(t, int64(0), v)
					require.Greater(t, int64(17), v)
				}
			})

			t.Run("Intn", func(t *testing.T) {
				for i := 0; i < 100; i++ {
					v := generator.Intn(37)
					require.LessOrEqual(t, 0, v)
					require.Greater(t, 37, v)
				}
			})

			t.Run("Read", func(t *testing.T) {
				var b [16]byte
				n, err := generator.Read(b[:])
				require.NoError(t, err)
				require.Equal(t, 16, n)
			})

			t.Run("Shuffle", func(t *testing.T) {
				called := false
				for !called {
					generator.Shuffle(100, func(i, j int) {
						called = true
					})
				}
			})

			t.Run("Uint64", func(t *testing.T) {
				generator.Uint64()
			})
		})
	}
}
