package netclock

import (
	"math"
	"slices"
	"time"

	"example.com/netclock/base/floats"
	"example.com/netclock/base/timemath"
)

type estimate struct {
	id      int
	offset  time.Duration
	quality float64
}

// outliers marks estimates deviating from the median offset by more than
// max(factor * MAD, floor). With fewer than two estimates nothing is marked.
func outliers(es []estimate, factor float64, floor time.Duration) []bool {
	out := make([]bool, len(es))
	if len(es) < 2 {
		return out
	}
	offs := make([]float64, len(es))
	for i, e := range es {
		offs[i] = timemath.Seconds(e.offset)
	}
	med, mad := floats.MedianAbsDeviation(offs)
	bound := math.Max(factor*mad, timemath.Seconds(floor))
	for i, x := range offs {
		out[i] = math.Abs(x-med) > bound
	}
	return out
}

// rejectOutliers is outliers with a fallback: when every estimate is marked,
// none is and ok is false.
func rejectOutliers(es []estimate, factor float64, floor time.Duration) (out []bool, ok bool) {
	out = outliers(es, factor, floor)
	if len(out) > 0 && !slices.Contains(out, false) {
		clear(out)
		return out, false
	}
	return out, true
}

// combine returns the quality weighted mean offset of the estimates not
// marked as outliers. A single survivor's offset is returned unchanged.
func combine(es []estimate, outlier []bool) time.Duration {
	var offs, ws []float64
	var last time.Duration
	for i, e := range es {
		if outlier[i] {
			continue
		}
		last = e.offset
		offs = append(offs, timemath.Seconds(e.offset))
		ws = append(ws, e.quality)
	}
	switch len(offs) {
	case 0:
		panic("unexpected number of values")
	case 1:
		return last
	}
	return timemath.Duration(floats.WeightedMean(offs, ws))
}
