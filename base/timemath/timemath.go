package timemath

import (
	"math"
	"time"
)

func Duration(seconds float64) time.Duration {
	return time.Duration(math.Round(seconds * float64(time.Second)))
}

func Seconds(d time.Duration) float64 {
	return float64(d) / float64(time.Second)
}

func Abs(d time.Duration) time.Duration {
	switch {
	case d == math.MinInt64:
		panic("unexpected duration value")
	case d < 0:
		return -d
	default:
		return d
	}
}
