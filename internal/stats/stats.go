// Package stats holds the small descriptive statistics shared by the
// detectors and reports.
package stats

import (
	"math"
	"sort"
)

// Percentile returns the p-th percentile (0-100) of data using linear
// interpolation between closest ranks. data is not modified.
func Percentile(data []float64, p float64) float64 {
	if len(data) == 0 {
		return 0
	}
	sorted := append([]float64(nil), data...)
	sort.Float64s(sorted)

	pos := float64(len(sorted)-1) * p / 100
	lo := int(math.Floor(pos))
	hi := int(math.Ceil(pos))
	if lo == hi {
		return sorted[lo]
	}
	return sorted[lo] + (sorted[hi]-sorted[lo])*(pos-float64(lo))
}

// SampleMeanStd returns the mean and the ddof=1 standard deviation. The
// deviation is zero for fewer than two values.
func SampleMeanStd(vals []float64) (float64, float64) {
	if len(vals) == 0 {
		return 0, 0
	}
	var sum float64
	for _, v := range vals {
		sum += v
	}
	mean := sum / float64(len(vals))
	if len(vals) < 2 {
		return mean, 0
	}
	var ss float64
	for _, v := range vals {
		d := v - mean
		ss += d * d
	}
	return mean, math.Sqrt(ss / float64(len(vals)-1))
}
