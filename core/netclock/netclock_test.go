package netclock_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"example.com/netclock/core/measurements"
	"example.com/netclock/core/netclock"
)

const (
	ms      = time.Millisecond
	waitFor = 5 * time.Second
	tick    = 2 * time.Millisecond
)

type testClock struct {
	base  time.Time
	start time.Time
	epoch atomic.Uint64
}

func newTestClock() *testClock {
	return &testClock{
		base:  time.Date(2024, time.June, 1, 12, 0, 0, 0, time.UTC),
		start: time.Now(),
	}
}

func (c *testClock) Epoch() uint64  { return c.epoch.Load() }
func (c *testClock) Now() time.Time { return c.base.Add(time.Since(c.start)) }

type behavior func(ctx context.Context, cTxTime time.Time) (measurements.Timestamps, error)

func fixed(offset, delay time.Duration) behavior {
	return func(_ context.Context, cTxTime time.Time) (measurements.Timestamps, error) {
		sTime := cTxTime.Add(offset + delay/2)
		return measurements.Timestamps{
			CTxTime: cTxTime,
			SRxTime: sTime,
			STxTime: sTime,
			CRxTime: cTxTime.Add(delay),
		}, nil
	}
}

var errTimeout = errors.New("i/o timeout")

func failing(_ context.Context, _ time.Time) (measurements.Timestamps, error) {
	return measurements.Timestamps{}, errTimeout
}

type fakeTransport struct {
	mu        sync.Mutex
	behaviors map[string]behavior
	calls     map[string]int
}

func newFakeTransport(behaviors map[string]behavior) *fakeTransport {
	return &fakeTransport{behaviors: behaviors, calls: make(map[string]int)}
}

func (f *fakeTransport) set(server string, b behavior) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.behaviors[server] = b
}

func (f *fakeTransport) numCalls(server string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[server]
}

func (f *fakeTransport) Exchange(ctx context.Context, server string, cTxTime time.Time) (
	measurements.Timestamps, error) {
	f.mu.Lock()
	f.calls[server]++
	b := f.behaviors[server]
	f.mu.Unlock()
	return b(ctx, cTxTime)
}

func testConfig(t *testing.T, tr *fakeTransport, clk *testClock, servers ...string) netclock.Config {
	cfg := netclock.DefaultConfig()
	cfg.Log = zap.NewNop()
	cfg.Servers = servers
	cfg.Transport = tr
	cfg.Clock = clk
	cfg.MinPoll = 5 * ms
	cfg.MaxPoll = 10 * ms
	cfg.ExchangeTimeout = time.Second
	cfg.StartupTimeout = 2 * time.Second
	return cfg
}

func newClock(t *testing.T, cfg netclock.Config) *netclock.NetworkClock {
	c, err := netclock.New(cfg)
	require.NoError(t, err)
	t.Cleanup(c.Finish)
	return c
}

type completions struct {
	mu      sync.Mutex
	results []bool
}

func (c *completions) add(ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.results = append(c.results, ok)
}

func (c *completions) get() []bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]bool(nil), c.results...)
}

func TestNewValidation(t *testing.T) {
	clk := newTestClock()
	tr := newFakeTransport(nil)

	_, err := netclock.New(netclock.Config{Clock: clk, Transport: tr})
	require.Error(t, err, "no servers")

	_, err = netclock.New(netclock.Config{Servers: []string{"a", "a"}, Clock: clk, Transport: tr})
	require.Error(t, err, "duplicate servers")

	_, err = netclock.New(netclock.Config{Servers: []string{"a"}, Transport: tr})
	require.Error(t, err, "no clock")

	_, err = netclock.New(netclock.Config{Servers: []string{"a"}, Clock: clk, Transport: tr,
		MinPoll: time.Minute, MaxPoll: time.Second})
	require.Error(t, err, "inverted poll range")

	_, err = netclock.New(netclock.Config{Servers: []string{"a"}, Clock: clk, Transport: tr,
		OutlierFactor: 0.5})
	require.Error(t, err, "outlier factor below 1")

	c, err := netclock.New(netclock.Config{Servers: []string{"a"}, Clock: clk, Transport: tr})
	require.NoError(t, err)
	require.Equal(t, netclock.NotStarted, c.State())
	require.Equal(t, netclock.OffsetUndetermined, c.NetworkOffset())
	_, ok := c.NetworkTime()
	require.False(t, ok)
}

func TestSingleServerOffsetIsExact(t *testing.T) {
	clk := newTestClock()
	off := 37*ms + 123*time.Microsecond + 7
	tr := newFakeTransport(map[string]behavior{"a": fixed(off, 10*ms)})
	c := newClock(t, testConfig(t, tr, clk, "a"))

	var done completions
	c.StartWithCompletion(done.add)
	require.Eventually(t, func() bool { return len(done.get()) == 1 }, waitFor, tick)
	require.Equal(t, []bool{true}, done.get())
	require.Equal(t, netclock.Started, c.State())
	require.Equal(t, off, c.NetworkOffset())

	now, ok := c.NetworkTime()
	require.True(t, ok)
	require.WithinDuration(t, clk.Now().Add(off), now, 100*ms)
}

func TestOutlierExcluded(t *testing.T) {
	clk := newTestClock()
	tr := newFakeTransport(map[string]behavior{
		"a": fixed(100*ms, 10*ms),
		"b": fixed(120*ms, 10*ms),
		"c": fixed(5*time.Second, 10*ms),
	})
	c := newClock(t, testConfig(t, tr, clk, "a", "b", "c"))
	c.StartWithCompletion(nil)

	require.Eventually(t, func() bool {
		st := c.Status()
		for _, a := range st.Associations {
			if !a.Reachable {
				return false
			}
		}
		return true
	}, waitFor, tick)
	require.Eventually(t, func() bool {
		return c.NetworkOffset() == 110*ms
	}, waitFor, tick)

	st := c.Status()
	require.False(t, st.Associations[0].Outlier)
	require.False(t, st.Associations[1].Outlier)
	require.True(t, st.Associations[2].Outlier)
}

func TestNegativeDelayNeverUsed(t *testing.T) {
	clk := newTestClock()
	tr := newFakeTransport(map[string]behavior{"a": fixed(time.Second, -5*ms)})
	cfg := testConfig(t, tr, clk, "a")
	cfg.StartupTimeout = 100 * ms
	c := newClock(t, cfg)

	var done completions
	c.StartWithCompletion(done.add)
	require.Eventually(t, func() bool { return len(done.get()) == 1 }, waitFor, tick)
	require.Equal(t, []bool{false}, done.get())
	require.Equal(t, netclock.Starting, c.State())
	require.Equal(t, netclock.OffsetUndetermined, c.NetworkOffset())

	st := c.Status()
	require.False(t, st.Associations[0].Reachable)
	require.NotEmpty(t, st.Associations[0].LastError)
	require.Zero(t, st.Associations[0].Samples)
}

func TestStartupFailureThenRecovery(t *testing.T) {
	clk := newTestClock()
	tr := newFakeTransport(map[string]behavior{"a": failing})
	cfg := testConfig(t, tr, clk, "a")
	cfg.StartupTimeout = 50 * ms
	c := newClock(t, cfg)

	var first completions
	c.StartWithCompletion(first.add)
	require.Eventually(t, func() bool { return len(first.get()) == 1 }, waitFor, tick)
	require.Equal(t, []bool{false}, first.get())
	require.Equal(t, netclock.Starting, c.State())

	var late completions
	c.StartWithCompletion(late.add)
	require.Eventually(t, func() bool { return len(late.get()) == 1 }, waitFor, tick)
	require.Equal(t, []bool{false}, late.get(), "window already elapsed")

	tr.set("a", fixed(3*ms, 10*ms))
	require.Eventually(t, func() bool { return c.State() == netclock.Started }, waitFor, tick)
	require.Equal(t, 3*ms, c.NetworkOffset())
	require.Equal(t, []bool{false}, first.get(), "completion must fire exactly once")
}

func TestCompletionExactlyOnce(t *testing.T) {
	clk := newTestClock()
	release := make(chan struct{})
	tr := newFakeTransport(map[string]behavior{
		"a": func(ctx context.Context, cTxTime time.Time) (measurements.Timestamps, error) {
			<-release
			return fixed(2*ms, 10*ms)(ctx, cTxTime)
		},
		"b": func(ctx context.Context, cTxTime time.Time) (measurements.Timestamps, error) {
			<-release
			return fixed(3*ms, 10*ms)(ctx, cTxTime)
		},
	})
	c := newClock(t, testConfig(t, tr, clk, "a", "b"))

	var first, second, third completions
	c.StartWithCompletion(first.add)
	c.StartWithCompletion(second.add)
	require.Equal(t, netclock.Starting, c.State())
	require.Empty(t, first.get())
	require.Empty(t, second.get())

	close(release)
	require.Eventually(t, func() bool {
		return len(first.get()) == 1 && len(second.get()) == 1
	}, waitFor, tick)

	c.StartWithCompletion(third.add)
	require.Eventually(t, func() bool { return len(third.get()) == 1 }, waitFor, tick)

	// let both associations report several times
	time.Sleep(100 * ms)
	require.Equal(t, []bool{true}, first.get())
	require.Equal(t, []bool{true}, second.get())
	require.Equal(t, []bool{true}, third.get())
}

func TestSecondStartDoesNotDoublePolling(t *testing.T) {
	clk := newTestClock()
	tr := newFakeTransport(map[string]behavior{"a": fixed(ms, 10*ms)})
	cfg := testConfig(t, tr, clk, "a")
	cfg.MinPoll = 20 * ms
	cfg.MaxPoll = 20 * ms
	c := newClock(t, cfg)

	c.StartWithCompletion(nil)
	c.StartWithCompletion(nil)
	c.StartWithCompletion(nil)
	time.Sleep(300 * ms)
	c.Finish()

	// at most one exchange per poll interval plus the immediate one
	require.LessOrEqual(t, tr.numCalls("a"), 300/20+2)
}

func TestFinishThenStart(t *testing.T) {
	clk := newTestClock()
	block := make(chan struct{})
	var staleCall atomic.Bool
	tr := newFakeTransport(map[string]behavior{
		"a": func(ctx context.Context, cTxTime time.Time) (measurements.Timestamps, error) {
			staleCall.Store(true)
			<-block // ignores cancellation and completes late
			return fixed(time.Hour, 10*ms)(ctx, cTxTime)
		},
	})
	c := newClock(t, testConfig(t, tr, clk, "a"))

	var offsets sync.Map
	c.SetOffsetUpdated(func(off time.Duration) { offsets.Store(off, true) })

	var run1, run2 completions
	c.StartWithCompletion(run1.add)
	require.Eventually(t, staleCall.Load, waitFor, tick)

	c.Finish()
	require.Equal(t, netclock.NotStarted, c.State())
	require.Equal(t, netclock.OffsetUndetermined, c.NetworkOffset())
	require.Eventually(t, func() bool { return len(run1.get()) == 1 }, waitFor, tick)
	require.Equal(t, []bool{false}, run1.get())

	tr.set("a", fixed(4*ms, 10*ms))
	c.StartWithCompletion(run2.add)
	require.Equal(t, netclock.Starting, c.State())
	require.Eventually(t, func() bool { return len(run2.get()) == 1 }, waitFor, tick)
	require.Equal(t, []bool{true}, run2.get())

	close(block)
	time.Sleep(50 * ms)
	require.Equal(t, 4*ms, c.NetworkOffset())
	_, leaked := offsets.Load(time.Hour)
	require.False(t, leaked, "a result of the finished run must not be published")
	require.Equal(t, []bool{false}, run1.get())
}

func TestFinishFromNotStarted(t *testing.T) {
	clk := newTestClock()
	tr := newFakeTransport(map[string]behavior{"a": fixed(ms, ms)})
	c := newClock(t, testConfig(t, tr, clk, "a"))
	c.Finish()
	c.Finish()
	require.Equal(t, netclock.NotStarted, c.State())
	require.Zero(t, tr.numCalls("a"))
}

func TestAllUnreachableHoldsStaleOffset(t *testing.T) {
	clk := newTestClock()
	tr := newFakeTransport(map[string]behavior{
		"a": fixed(6*ms, 10*ms),
		"b": fixed(6*ms, 10*ms),
	})
	c := newClock(t, testConfig(t, tr, clk, "a", "b"))

	sub := c.Subscribe(16)
	defer sub.Cancel()

	c.StartWithCompletion(nil)
	require.Eventually(t, func() bool { return c.NetworkOffset() == 6*ms }, waitFor, tick)
	require.False(t, c.Stale())

	tr.set("a", failing)
	tr.set("b", failing)
	require.Eventually(t, c.Stale, waitFor, tick)
	require.Equal(t, netclock.Started, c.State())
	require.Equal(t, 6*ms, c.NetworkOffset())
	_, ok := c.NetworkTime()
	require.True(t, ok)

	var sawStale bool
	require.Eventually(t, func() bool {
		select {
		case ev := <-sub.C():
			sawStale = sawStale || ev.Stale
		default:
		}
		return sawStale
	}, waitFor, tick)

	tr.set("b", fixed(8*ms, 10*ms))
	require.Eventually(t, func() bool { return !c.Stale() && c.NetworkOffset() == 8*ms }, waitFor, tick)
}

func TestNotifyOnlyOnChange(t *testing.T) {
	clk := newTestClock()
	tr := newFakeTransport(map[string]behavior{"a": fixed(5*ms, 10*ms)})
	c := newClock(t, testConfig(t, tr, clk, "a"))

	var mu sync.Mutex
	var notified []time.Duration
	c.SetOffsetUpdated(func(off time.Duration) {
		mu.Lock()
		defer mu.Unlock()
		notified = append(notified, off)
	})
	get := func() []time.Duration {
		mu.Lock()
		defer mu.Unlock()
		return append([]time.Duration(nil), notified...)
	}

	c.StartWithCompletion(nil)
	require.Eventually(t, func() bool { return tr.numCalls("a") >= 5 }, waitFor, tick)
	require.Equal(t, []time.Duration{5 * ms}, get())

	// a lower delay sample with a different offset becomes best
	tr.set("a", fixed(7*ms, 2*ms))
	require.Eventually(t, func() bool { return len(get()) == 2 }, waitFor, tick)
	require.Equal(t, []time.Duration{5 * ms, 7 * ms}, get())

	c.SetOffsetUpdated(nil)
	tr.set("a", fixed(9*ms, time.Millisecond))
	require.Eventually(t, func() bool { return c.NetworkOffset() == 9*ms }, waitFor, tick)
	require.Len(t, get(), 2)
}

func TestClockStepInvalidatesEstimates(t *testing.T) {
	clk := newTestClock()
	tr := newFakeTransport(map[string]behavior{"a": fixed(5*ms, 10*ms)})
	c := newClock(t, testConfig(t, tr, clk, "a"))

	c.StartWithCompletion(nil)
	require.Eventually(t, func() bool { return c.NetworkOffset() == 5*ms }, waitFor, tick)

	tr.set("a", fixed(-2*time.Second, 20*ms))
	clk.epoch.Add(1)
	require.Eventually(t, func() bool { return c.NetworkOffset() == -2*time.Second }, waitFor, tick)
}

func TestSubscription(t *testing.T) {
	clk := newTestClock()
	tr := newFakeTransport(map[string]behavior{"a": fixed(5*ms, 10*ms)})
	c := newClock(t, testConfig(t, tr, clk, "a"))

	sub := c.Subscribe(1)
	require.NotEmpty(t, sub.ID())
	c.StartWithCompletion(nil)

	select {
	case ev := <-sub.C():
		require.Equal(t, 5*ms, ev.Offset)
		require.False(t, ev.Stale)
		require.Equal(t, c.Status().RunID, ev.RunID)
	case <-time.After(waitFor):
		t.Fatal("no offset event received")
	}

	sub.Cancel()
	sub.Cancel()
	_, open := <-sub.C()
	require.False(t, open)
}

func TestStatus(t *testing.T) {
	clk := newTestClock()
	tr := newFakeTransport(map[string]behavior{
		"a": fixed(5*ms, 10*ms),
		"b": failing,
	})
	c := newClock(t, testConfig(t, tr, clk, "a", "b"))
	require.Equal(t, []string{"a", "b"}, c.Servers())

	st := c.Status()
	require.Equal(t, netclock.NotStarted, st.State)
	require.Empty(t, st.RunID)
	require.False(t, st.Determined)

	c.StartWithCompletion(nil)
	require.Eventually(t, func() bool {
		st := c.Status()
		return st.Determined && st.Associations[1].Failures >= 3
	}, waitFor, tick)

	st = c.Status()
	require.Equal(t, netclock.Started, st.State)
	require.NotEmpty(t, st.RunID)
	require.Equal(t, "a", st.Associations[0].Server)
	require.True(t, st.Associations[0].Reachable)
	require.False(t, st.Associations[1].Reachable)
	require.Contains(t, st.Associations[1].LastError, errTimeout.Error())
}
