package measurements

import (
	"cmp"
	"slices"
	"time"

	"example.com/netclock/net/ntp"
)

// Timestamps holds the four instants of one client/server exchange: client
// transmit (T1), server receive (T2), server transmit (T3), client receive (T4).
type Timestamps struct {
	CTxTime time.Time
	SRxTime time.Time
	STxTime time.Time
	CRxTime time.Time
}

func (ts Timestamps) Offset() time.Duration {
	return ntp.ClockOffset(ts.CTxTime, ts.SRxTime, ts.STxTime, ts.CRxTime)
}

func (ts Timestamps) Delay() time.Duration {
	return ntp.RoundTripDelay(ts.CTxTime, ts.SRxTime, ts.STxTime, ts.CRxTime)
}

// Sample is an exchange together with its derived offset and delay.
type Sample struct {
	Timestamps
	Offset time.Duration
	Delay  time.Duration
}

func NewSample(ts Timestamps) Sample {
	return Sample{
		Timestamps: ts,
		Offset:     ts.Offset(),
		Delay:      ts.Delay(),
	}
}

type Measurement struct {
	Timestamp time.Time
	Offset    time.Duration
	Delay     time.Duration
	Error     error
}

func midpoint(x, y Measurement) Measurement {
	var m Measurement
	m.Offset = x.Offset + (y.Offset-x.Offset)/2
	m.Delay = x.Delay + (y.Delay-x.Delay)/2
	if !x.Timestamp.After(y.Timestamp) {
		m.Timestamp = x.Timestamp.Add(y.Timestamp.Sub(x.Timestamp) / 2)
	} else {
		m.Timestamp = y.Timestamp.Add(x.Timestamp.Sub(y.Timestamp) / 2)
	}
	return m
}

func Median(ms []Measurement) Measurement {
	n := len(ms)
	if n == 0 {
		panic("unexpected number of values")
	}
	slices.SortFunc(ms, func(a, b Measurement) int {
		return cmp.Compare(a.Offset, b.Offset)
	})
	i := n / 2
	if n%2 != 0 {
		return Measurement{
			Timestamp: ms[i].Timestamp,
			Offset:    ms[i].Offset,
			Delay:     ms[i].Delay,
		}
	}
	return midpoint(ms[i-1], ms[i])
}
