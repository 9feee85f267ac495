package util

import (
	"fmt"
	"math"
	"strconv"
)

func bucketBoundary(significand string, exponent int) float64 {
	v, err := strconv.ParseFloat(fmt.Sprintf("%se%d", significand, exponent), 64)
	if err != nil {
		panic(fmt.Sprintf("Failed to compute bucket boundary: %s", err))
	}
	return v
}

// DecimalExponentialBuckets generates exponential histogram bucket
// boundaries with exponent 10^(1/m) instead of powers of two, so that
// every power of ten falls exactly on a boundary.
//
// The values within one power of ten are first rendered as five-digit
// decimal significands and then parsed back through
// strconv.ParseFloat(). That keeps the bucket labels short and
// identical across platforms: ParseFloat() yields the float64 whose
// shortest decimal representation is the requested one, which
// math.Pow() does not guarantee.
func DecimalExponentialBuckets(lowestPowerOf10, powersOf10, stepsInBetween int) []float64 {
	// Significands within a single power of 10.
	boundaries := make([]string, 0, stepsInBetween+1)
	for i := 0; i <= stepsInBetween; i++ {
		boundaries = append(
			boundaries,
			fmt.Sprintf("%f", math.Pow(10.0, float64(i)/float64(stepsInBetween+1)))[:6])
	}

	// Repeat them across the requested powers of 10.
	buckets := make([]float64, 0, powersOf10*len(boundaries)+1)
	for i := 0; i < powersOf10; i++ {
		for _, boundary := range boundaries {
			buckets = append(buckets, bucketBoundary(boundary, lowestPowerOf10+i))
		}
	}
	return append(buckets, bucketBoundary("1", lowestPowerOf10+powersOf10))
}
