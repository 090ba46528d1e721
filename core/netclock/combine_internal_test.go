package netclock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestOutliers(t *testing.T) {
	ms := time.Millisecond
	tests := []struct {
		name    string
		offsets []time.Duration
		want    []bool
	}{
		{"none", nil, []bool{}},
		{"single", []time.Duration{5 * time.Second}, []bool{false}},
		{"pair far apart", []time.Duration{0, 10 * time.Second}, []bool{false, false}},
		{"one outlier", []time.Duration{100 * ms, 120 * ms, 5000 * ms}, []bool{false, false, true}},
		{"within floor", []time.Duration{0, 0, 0, 900 * time.Microsecond}, []bool{false, false, false, false}},
		{"beyond floor", []time.Duration{0, 0, 0, 2 * ms}, []bool{false, false, false, true}},
		{"symmetric", []time.Duration{-50 * ms, 10 * ms, 11 * ms, 12 * ms, 80 * ms}, []bool{true, false, false, false, true}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			es := make([]estimate, len(tt.offsets))
			for i, off := range tt.offsets {
				es[i] = estimate{id: i, offset: off, quality: 1}
			}
			require.Equal(t, tt.want, outliers(es, DefaultOutlierFactor, DefaultOutlierFloor))
		})
	}
}

func TestCombine(t *testing.T) {
	ms := time.Millisecond

	es := []estimate{{offset: 37*ms + 123}}
	require.Equal(t, 37*ms+123, combine(es, []bool{false}),
		"a single estimate must be returned unchanged")

	es = []estimate{
		{offset: 100 * ms, quality: 10},
		{offset: 120 * ms, quality: 10},
		{offset: 5000 * ms, quality: 10},
	}
	require.Equal(t, 110*ms, combine(es, outliers(es, DefaultOutlierFactor, DefaultOutlierFloor)))

	es = []estimate{
		{offset: 0, quality: 30},
		{offset: 4 * ms, quality: 10},
	}
	require.Equal(t, 1*ms, combine(es, []bool{false, false}))

	es = []estimate{
		{offset: 7 * ms, quality: 1},
		{offset: 9 * ms, quality: 1},
	}
	require.Equal(t, 9*ms, combine(es, []bool{true, false}))
}

func TestRejectOutliersKeepsAllWhenAllMarked(t *testing.T) {
	ms := time.Millisecond
	es := []estimate{
		{id: 0, offset: 0, quality: 1},
		{id: 1, offset: 1 * time.Second, quality: 1},
		{id: 2, offset: 3 * time.Second, quality: 1},
		{id: 3, offset: 4 * time.Second, quality: 1},
	}
	require.Equal(t, []bool{true, true, true, true}, outliers(es, 0.5, ms),
		"a factor below 1 can mark every estimate")

	out, ok := rejectOutliers(es, 0.5, ms)
	require.False(t, ok)
	require.Equal(t, []bool{false, false, false, false}, out)
	require.Equal(t, 2*time.Second, combine(es, out))

	out, ok = rejectOutliers(es[:3], DefaultOutlierFactor, DefaultOutlierFloor)
	require.True(t, ok)
	require.Equal(t, []bool{false, false, false}, out)

	out, ok = rejectOutliers(nil, DefaultOutlierFactor, DefaultOutlierFloor)
	require.True(t, ok)
	require.Empty(t, out)
}
