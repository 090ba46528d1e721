package floats

import (
	"math"
	"slices"
)

func midpoint(x, y float64) float64 {
	return x + (y-x)/2.0
}

// Median sorts fs in place and returns its median.
func Median(fs []float64) float64 {
	n := len(fs)
	if n == 0 {
		panic("unexpected number of values")
	}
	slices.Sort(fs)
	i := n / 2
	if n%2 != 0 {
		return fs[i]
	}
	return midpoint(fs[i-1], fs[i])
}

// MedianAbsDeviation returns the median of fs and the median of the absolute
// deviations from it. fs is left unmodified.
func MedianAbsDeviation(fs []float64) (med, mad float64) {
	n := len(fs)
	if n == 0 {
		panic("unexpected number of values")
	}
	xs := slices.Clone(fs)
	med = Median(xs)
	for i, x := range fs {
		xs[i] = math.Abs(x - med)
	}
	mad = Median(xs)
	return
}

func WeightedMean(fs, ws []float64) float64 {
	n := len(fs)
	if n == 0 {
		panic("unexpected number of values")
	}
	if len(ws) != n {
		panic("unexpected number of weights")
	}
	var sum, wsum float64
	for i := range n {
		if ws[i] < 0 {
			panic("unexpected weight")
		}
		sum += fs[i] * ws[i]
		wsum += ws[i]
	}
	if wsum == 0 {
		for _, x := range fs {
			sum += x
		}
		return sum / float64(n)
	}
	return sum / wsum
}
