package measurements

// Lucky packet filter combined with median offset filter based on flashptpd,
// https://github.com/meinberg-sync/flashptpd
//
// The filter stores samples in a FIFO window of configurable capacity and
// picks a predefined number of samples with the lowest round-trip delay
// (lucky packets) assuming that those packets experienced the least amount of
// jitter across the network. Based on the selected set of lucky packets the
// median clock offset value is subsequently calculated and returned as the
// result of each filter step. A filter configuration with a set of exactly one
// lucky packet behaves like a pure lucky packet filter; if the set of lucky
// packets is configured to be equal to the filter's capacity, the resulting
// behavior is equivalent to a pure median offset filter.
//
// Among samples with equal delay the most recent one is preferred.

import (
	"cmp"
	"slices"
	"time"
)

type Filter interface {
	Do(s Sample) (offset, delay time.Duration)
	Reset()
}

type LuckyPacketFilter struct {
	pick      int
	state     []Sample
	luckyPkts []Sample
}

var _ Filter = (*LuckyPacketFilter)(nil)

func NewLuckyPacketFilter(cap, pick int) *LuckyPacketFilter {
	if cap <= 0 {
		panic("cap must be greater than 0")
	}
	if pick <= 0 {
		panic("pick must be greater than 0")
	}
	return &LuckyPacketFilter{
		pick:      min(pick, cap),
		state:     make([]Sample, 0, cap),
		luckyPkts: make([]Sample, 0, cap),
	}
}

// Do adds s to the window, evicting the oldest sample if the window is full,
// and returns the filtered offset together with the lowest delay among the
// picked samples.
func (f *LuckyPacketFilter) Do(s Sample) (offset, delay time.Duration) {
	if cap(f.state) == 0 {
		return s.Offset, s.Delay
	}
	if len(f.state) == cap(f.state) {
		copy(f.state, f.state[1:])
		f.state = f.state[:len(f.state)-1]
	}
	f.state = append(f.state, s)
	f.pickLucky()
	delay = f.luckyPkts[0].Delay
	slices.SortFunc(f.luckyPkts, func(a, b Sample) int {
		return cmp.Compare(a.Offset, b.Offset)
	})
	i := len(f.luckyPkts) / 2
	if len(f.luckyPkts)%2 != 0 {
		return f.luckyPkts[i].Offset, delay
	}
	return f.luckyPkts[i-1].Offset + (f.luckyPkts[i].Offset-f.luckyPkts[i-1].Offset)/2, delay
}

// pickLucky fills luckyPkts with the picked samples ordered by ascending
// delay, most recent first among equal delays.
func (f *LuckyPacketFilter) pickLucky() {
	f.luckyPkts = f.luckyPkts[:len(f.state)]
	for i, s := range f.state {
		f.luckyPkts[len(f.state)-1-i] = s
	}
	slices.SortStableFunc(f.luckyPkts, func(a, b Sample) int {
		return cmp.Compare(a.Delay, b.Delay)
	})
	if f.pick < len(f.luckyPkts) {
		f.luckyPkts = f.luckyPkts[:f.pick]
	}
}

// Spread returns the difference between the largest and the smallest offset
// in the window.
func (f *LuckyPacketFilter) Spread() time.Duration {
	if len(f.state) == 0 {
		return 0
	}
	lo, hi := f.state[0].Offset, f.state[0].Offset
	for _, s := range f.state[1:] {
		lo = min(lo, s.Offset)
		hi = max(hi, s.Offset)
	}
	return hi - lo
}

func (f *LuckyPacketFilter) Len() int {
	return len(f.state)
}

func (f *LuckyPacketFilter) Cap() int {
	return cap(f.state)
}

func (f *LuckyPacketFilter) Reset() {
	f.state = f.state[:0]
}
