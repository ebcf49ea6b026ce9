package forensics

import (
	"math"
	"sort"
)

const eulerGamma = 0.5772156649

// Percentile returns the p-th percentile (0-100) of sorted values using
// linear interpolation between closest ranks.
func Percentile(sorted []float64, p float64) float64 {
	n := len(sorted)
	if n == 0 {
		return 0
	}
	if n == 1 {
		return sorted[0]
	}
	rank := p / 100 * float64(n-1)
	lo := int(math.Floor(rank))
	hi := int(math.Ceil(rank))
	if lo < 0 {
		lo = 0
	}
	if hi >= n {
		hi = n - 1
	}
	frac := rank - float64(lo)
	return sorted[lo] + frac*(sorted[hi]-sorted[lo])
}

// ShannonEntropy returns the entropy in bits of a count distribution.
// Keys are visited in sorted order so the sum is reproducible.
func ShannonEntropy(counts map[string]int, total int) float64 {
	if total <= 0 {
		return 0
	}
	h := 0.0
	for _, k := range sortedKeys(counts) {
		c := counts[k]
		if c <= 0 {
			continue
		}
		p := float64(c) / float64(total)
		h -= p * math.Log2(p)
	}
	if h < 0 {
		return 0
	}
	return h
}

// MeanStd returns the mean and population standard deviation.
func MeanStd(values []float64) (mean, std float64) {
	if len(values) == 0 {
		return 0, 0
	}
	for _, v := range values {
		mean += v
	}
	mean /= float64(len(values))
	for _, v := range values {
		d := v - mean
		std += d * d
	}
	return mean, math.Sqrt(std / float64(len(values)))
}

// MeanAbsDeviation returns the mean absolute difference of two equal-length series.
func MeanAbsDeviation(a, b []float64) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	sum := 0.0
	for i := range a {
		sum += math.Abs(a[i] - b[i])
	}
	return sum / float64(len(a))
}

// harmonic approximates the n-th harmonic number.
func harmonic(n float64) float64 {
	return math.Log(n) + eulerGamma
}

// AveragePathLength is c(n), the expected path length of an unsuccessful
// BST search over n points.
func AveragePathLength(n int) float64 {
	switch {
	case n <= 1:
		return 0
	case n == 2:
		return 1
	}
	f := float64(n)
	return 2*harmonic(f-1) - 2*(f-1)/f
}

// Round2 rounds to two decimals.
func Round2(v float64) float64 {
	return math.Round(v*100) / 100
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
