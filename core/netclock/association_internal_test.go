package netclock

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"example.com/netclock/core/measurements"
)

var t0 = time.Date(2024, time.June, 1, 12, 0, 0, 0, time.UTC)

// exchangeAt returns the timestamps of an exchange started at cTxTime with
// the given offset and delay and zero server processing time.
func exchangeAt(cTxTime time.Time, offset, delay time.Duration) measurements.Timestamps {
	sTime := cTxTime.Add(offset + delay/2)
	return measurements.Timestamps{
		CTxTime: cTxTime,
		SRxTime: sTime,
		STxTime: sTime,
		CRxTime: cTxTime.Add(delay),
	}
}

type staticClock struct{}

func (staticClock) Epoch() uint64  { return 0 }
func (staticClock) Now() time.Time { return t0 }

type countingTransport struct {
	mu    sync.Mutex
	calls int
}

func (c *countingTransport) Exchange(ctx context.Context, server string, cTxTime time.Time) (
	measurements.Timestamps, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	return exchangeAt(cTxTime, 0, time.Millisecond), nil
}

type scheduler struct {
	mu    sync.Mutex
	funcs []func()
}

func (s *scheduler) afterFunc(d time.Duration, f func()) *time.Timer {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.funcs = append(s.funcs, f)
	return time.NewTimer(time.Hour)
}

func (s *scheduler) scheduled() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.funcs)
}

func (s *scheduler) fire(i int) {
	s.mu.Lock()
	f := s.funcs[i]
	s.mu.Unlock()
	f()
}

type recorder struct {
	mu    sync.Mutex
	snaps []snapshot
}

func (r *recorder) report(s snapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.snaps = append(r.snaps, s)
}

func (r *recorder) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.snaps)
}

func testAssociation(t *testing.T, tr *countingTransport) (*Association, *scheduler, *recorder) {
	cfg := DefaultConfig()
	cfg.Clock = staticClock{}
	cfg.Transport = tr
	cfg.MinPoll = time.Second
	cfg.MaxPoll = 8 * time.Second
	s := &scheduler{}
	r := &recorder{}
	a := newAssociation(0, "192.0.2.1", &cfg, zaptest.NewLogger(t), r.report)
	a.afterFunc = s.afterFunc
	return a, s, r
}

func TestAssociationSampleFormula(t *testing.T) {
	a, _, _ := testAssociation(t, nil)
	ms := time.Millisecond
	ts := measurements.Timestamps{
		CTxTime: t0,
		SRxTime: t0.Add(10 * ms),
		STxTime: t0.Add(11 * ms),
		CRxTime: t0.Add(20 * ms),
	}
	snap, ok := a.handleLocked(0, ts, nil)
	require.True(t, ok)
	require.True(t, snap.reachable)
	require.Equal(t, 19*ms, snap.delay)
	require.Equal(t, 500*time.Microsecond, snap.offset)
	require.InDelta(t, 1/0.020, snap.quality, 1e-9)
}

func TestAssociationRejects(t *testing.T) {
	ms := time.Millisecond
	tests := []struct {
		name string
		ts   measurements.Timestamps
		err  error
		want error
	}{
		{"transport error", measurements.Timestamps{}, errors.New("timeout"), errTransportFailure},
		{"negative delay", measurements.Timestamps{
			CTxTime: t0, SRxTime: t0.Add(5 * ms), STxTime: t0.Add(30 * ms), CRxTime: t0.Add(20 * ms),
		}, nil, errNegativeDelay},
		{"excessive delay", exchangeAt(t0, 0, 2*time.Second), nil, errExcessiveDelay},
		{"server non-monotonic", measurements.Timestamps{
			CTxTime: t0, SRxTime: t0.Add(11 * ms), STxTime: t0.Add(10 * ms), CRxTime: t0.Add(20 * ms),
		}, nil, errServerNonMonotonic},
		{"client non-monotonic", measurements.Timestamps{
			CTxTime: t0.Add(20 * ms), SRxTime: t0.Add(10 * ms), STxTime: t0.Add(11 * ms), CRxTime: t0,
		}, nil, errClientNonMonotonic},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a, _, _ := testAssociation(t, nil)
			good := exchangeAt(t0, 3*ms, 10*ms)
			_, ok := a.handleLocked(0, good, nil)
			require.True(t, ok)

			_, ok = a.handleLocked(0, tt.ts, tt.err)
			require.False(t, ok, "a single rejection must not be reported")
			require.ErrorIs(t, a.lastErr, tt.want)
			require.Equal(t, 1, a.failures)
			require.Equal(t, 3*ms, a.offset, "a rejected sample must not become best")
			require.Equal(t, 1, a.filter.Len())
		})
	}
}

func TestAssociationUnreachableReportedOnce(t *testing.T) {
	a, _, _ := testAssociation(t, nil)
	_, ok := a.handleLocked(0, exchangeAt(t0, time.Millisecond, 10*time.Millisecond), nil)
	require.True(t, ok)

	fail := errors.New("unreachable")
	var reports []snapshot
	for range 10 {
		if snap, ok := a.handleLocked(0, measurements.Timestamps{}, fail); ok {
			reports = append(reports, snap)
		}
	}
	require.Len(t, reports, 1)
	require.False(t, reports[0].reachable)
	require.Equal(t, 0, a.filter.Len(), "history must be cleared when unreachable")

	snap, ok := a.handleLocked(0, exchangeAt(t0, 2*time.Millisecond, 10*time.Millisecond), nil)
	require.True(t, ok)
	require.True(t, snap.reachable)
	require.Equal(t, 0, a.failures)
	require.Equal(t, 2*time.Millisecond, snap.offset)
}

func TestAssociationMinimumDelaySelection(t *testing.T) {
	ms := time.Millisecond
	a, _, _ := testAssociation(t, nil)
	samples := []struct {
		off, rtd time.Duration
	}{
		{5 * ms, 30 * ms},
		{2 * ms, 8 * ms},
		{9 * ms, 50 * ms},
		{4 * ms, 12 * ms},
	}
	var snap snapshot
	for i, s := range samples {
		snap, _ = a.handleLocked(0, exchangeAt(t0.Add(time.Duration(i)*time.Second), s.off, s.rtd), nil)
	}
	require.Equal(t, 2*ms, snap.offset)
	require.Equal(t, 8*ms, snap.delay)
	require.Equal(t, 7*ms, a.spread)
	require.InDelta(t, 1/0.016, snap.quality, 1e-9)

	for i := range 20 {
		a.handleLocked(0, exchangeAt(t0.Add(time.Duration(10+i)*time.Second), 4*ms, 12*ms), nil)
		require.LessOrEqual(t, a.filter.Len(), DefaultHistorySize)
	}
	require.Equal(t, 12*ms, a.delay, "evicted samples must not remain best")
}

func TestAssociationEpochChangeClearsHistory(t *testing.T) {
	ms := time.Millisecond
	a, _, _ := testAssociation(t, nil)
	a.handleLocked(0, exchangeAt(t0, 2*ms, 8*ms), nil)
	a.handleLocked(0, exchangeAt(t0.Add(time.Second), 4*ms, 12*ms), nil)
	require.Equal(t, 2, a.filter.Len())

	snap, ok := a.handleLocked(1, exchangeAt(t0.Add(2*time.Second), 500*ms, 20*ms), nil)
	require.True(t, ok)
	require.Equal(t, uint64(1), snap.epoch)
	require.Equal(t, 1, a.filter.Len())
	require.Equal(t, 500*ms, snap.offset)
}

func TestAssociationPollAdaptation(t *testing.T) {
	ms := time.Millisecond
	a, _, _ := testAssociation(t, nil)
	require.Equal(t, time.Second, a.poll)
	for i := range 3 {
		a.handleLocked(0, exchangeAt(t0.Add(time.Duration(i)*time.Second), ms, 10*ms), nil)
	}
	require.Equal(t, time.Second, a.poll, "poll must not back off before enough samples")
	for i := range 4 {
		a.handleLocked(0, exchangeAt(t0.Add(time.Duration(3+i)*time.Second), ms, 10*ms), nil)
	}
	require.Equal(t, 8*time.Second, a.poll, "poll must be capped at the maximum")

	a.handleLocked(0, exchangeAt(t0.Add(10*time.Second), 100*ms, 10*ms), nil)
	require.Equal(t, 4*time.Second, a.poll, "poll must be halved on large spread")
}

func TestAssociationStartIdempotent(t *testing.T) {
	tr := &countingTransport{}
	a, s, r := testAssociation(t, tr)
	a.start(1)
	a.start(1)
	require.Equal(t, 1, s.scheduled(), "a second start must not schedule another exchange")

	s.fire(0)
	require.Equal(t, 1, tr.calls)
	require.Equal(t, 1, r.len())
	require.Equal(t, 2, s.scheduled(), "completion must schedule exactly one follow-up")

	a.stop()
	s.fire(1)
	require.Equal(t, 1, tr.calls, "a stopped association must not exchange")
}

func TestAssociationStopDiscardsInFlight(t *testing.T) {
	tr := &countingTransport{}
	a, s, r := testAssociation(t, tr)
	a.start(1)

	a.mu.Lock()
	gen := a.gen
	a.mu.Unlock()

	a.stop()
	a.complete(gen, 0, exchangeAt(t0, time.Millisecond, 10*time.Millisecond), nil)
	require.Equal(t, 0, r.len(), "an exchange completing after stop must not be reported")
	require.Equal(t, 0, a.filter.Len())

	a.start(2)
	a.complete(gen, 0, exchangeAt(t0, time.Millisecond, 10*time.Millisecond), nil)
	require.Equal(t, 0, r.len(), "an exchange of a previous start must not be reported")
	require.Equal(t, 2, s.scheduled())
}
