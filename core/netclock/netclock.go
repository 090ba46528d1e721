// Package netclock estimates the offset between the local clock and network
// time from concurrent NTP exchanges with several servers.
//
// Each server is tracked by an Association that polls it on its own
// schedule and keeps the minimum delay sample of a bounded history. Every
// association update triggers a serialized aggregation in the NetworkClock:
// estimates are filtered by a median/MAD outlier test and combined as a
// quality weighted mean.
package netclock

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"example.com/netclock/base/timemath"
	"example.com/netclock/base/zaplog"
	"example.com/netclock/core/client"
)

// ClockStatus is a point-in-time view of a NetworkClock.
type ClockStatus struct {
	RunID        string              `json:"runId,omitempty"`
	State        State               `json:"state"`
	Determined   bool                `json:"determined"`
	Offset       time.Duration       `json:"offset"`
	Stale        bool                `json:"stale"`
	Published    time.Time           `json:"published"`
	Associations []AssociationStatus `json:"associations"`
}

type NetworkClock struct {
	cfg    Config
	log    *zap.Logger
	assocs []*Association

	mu            sync.Mutex
	state         State
	runGen        uint64
	runID         uuid.UUID
	snaps         []snapshot
	hasSnap       []bool
	outlier       []bool
	offset        time.Duration
	stale         bool
	published     time.Time
	startTimer    *time.Timer
	windowExpired bool
	pending       []func(bool)
	onOffset      func(time.Duration)
	subs          map[uuid.UUID]*Subscription

	queue      []func()
	delivering bool
}

// New creates a clock with one association per configured server. The
// clock is NotStarted until StartWithCompletion is called.
func New(cfg Config) (*NetworkClock, error) {
	cfg.setDefaults()
	err := cfg.validate()
	if err != nil {
		return nil, err
	}
	log := cfg.Log
	if log == nil {
		log = zaplog.Logger()
	}
	cfg.Servers = append([]string(nil), cfg.Servers...)
	if cfg.Transport == nil {
		cfg.Transport = &client.IPClient{Log: log, Clock: cfg.Clock}
	}

	c := &NetworkClock{
		log:     log,
		offset:  OffsetUndetermined,
		snaps:   make([]snapshot, len(cfg.Servers)),
		hasSnap: make([]bool, len(cfg.Servers)),
		outlier: make([]bool, len(cfg.Servers)),
		subs:    make(map[uuid.UUID]*Subscription),
	}
	c.cfg = cfg
	c.assocs = make([]*Association, len(cfg.Servers))
	for i, server := range cfg.Servers {
		c.assocs[i] = newAssociation(i, server, &c.cfg, log, c.update)
	}
	return c, nil
}

// enqueueLocked appends callbacks to the delivery queue. Callbacks run in
// queue order after the clock's lock has been released.
func (c *NetworkClock) enqueueLocked(fs ...func()) {
	c.queue = append(c.queue, fs...)
}

// unlockAndDeliver releases the lock and runs queued callbacks. If another
// goroutine is already delivering, it will run them instead.
func (c *NetworkClock) unlockAndDeliver() {
	if c.delivering {
		c.mu.Unlock()
		return
	}
	c.delivering = true
	for len(c.queue) != 0 {
		q := c.queue
		c.queue = nil
		c.mu.Unlock()
		for _, f := range q {
			f()
		}
		c.mu.Lock()
	}
	c.delivering = false
	c.mu.Unlock()
}

func resolve(completion func(bool), ok bool) func() {
	return func() { completion(ok) }
}

func (c *NetworkClock) resolvePendingLocked(ok bool) {
	for _, completion := range c.pending {
		c.enqueueLocked(resolve(completion, ok))
	}
	c.pending = nil
}

// StartWithCompletion starts all associations if the clock is NotStarted.
// completion is invoked exactly once: with true as soon as a combined offset
// is published, or with false if the startup window elapses first. Calls
// while Starting or Started do not restart anything; their completion
// reports the outcome of the ongoing start.
func (c *NetworkClock) StartWithCompletion(completion func(bool)) {
	if completion == nil {
		completion = func(bool) {}
	}
	c.mu.Lock()
	switch c.state {
	case NotStarted:
		c.state = Starting
		c.runGen++
		c.runID = uuid.New()
		c.offset = OffsetUndetermined
		c.stale = false
		c.published = time.Time{}
		c.windowExpired = false
		clear(c.hasSnap)
		clear(c.outlier)
		c.pending = append(c.pending, completion)
		gen := c.runGen
		c.startTimer = time.AfterFunc(c.cfg.StartupTimeout, func() {
			c.startupWindowElapsed(gen)
		})
		for _, a := range c.assocs {
			a.start(gen)
		}
		c.log.Info("network clock starting",
			zap.Stringer("run", c.runID),
			zap.Int("servers", len(c.assocs)),
		)
	case Starting:
		if c.windowExpired {
			c.enqueueLocked(resolve(completion, false))
		} else {
			c.pending = append(c.pending, completion)
		}
	case Started:
		c.enqueueLocked(resolve(completion, true))
	}
	c.unlockAndDeliver()
}

func (c *NetworkClock) startupWindowElapsed(gen uint64) {
	c.mu.Lock()
	if c.runGen != gen || c.state != Starting {
		c.mu.Unlock()
		return
	}
	c.windowExpired = true
	c.log.Warn("no network offset within startup window",
		zap.Stringer("run", c.runID),
		zap.Duration("window", c.cfg.StartupTimeout),
	)
	c.resolvePendingLocked(false)
	c.unlockAndDeliver()
}

// Finish stops all associations and discards the combined state. Pending
// start completions are invoked with false. Finish is a no-op if the clock
// is NotStarted.
func (c *NetworkClock) Finish() {
	c.mu.Lock()
	if c.state == NotStarted {
		c.mu.Unlock()
		return
	}
	for _, a := range c.assocs {
		a.stop()
	}
	c.runGen++
	if c.startTimer != nil {
		c.startTimer.Stop()
		c.startTimer = nil
	}
	c.resolvePendingLocked(false)
	c.log.Info("network clock finished", zap.Stringer("run", c.runID))
	c.state = NotStarted
	c.offset = OffsetUndetermined
	c.stale = false
	c.published = time.Time{}
	clear(c.hasSnap)
	clear(c.outlier)
	c.unlockAndDeliver()
}

// update is the association callback. Updates from previous runs are
// dropped.
func (c *NetworkClock) update(s snapshot) {
	c.mu.Lock()
	if c.state == NotStarted || s.runGen != c.runGen {
		c.mu.Unlock()
		return
	}
	c.snaps[s.id] = s
	c.hasSnap[s.id] = true
	c.aggregateLocked()
	c.unlockAndDeliver()
}

func (c *NetworkClock) aggregateLocked() {
	mtrcs := clkMetrics.Load()
	mtrcs.aggregations.Inc()

	epoch := c.cfg.Clock.Epoch()
	var es []estimate
	for id, s := range c.snaps {
		c.outlier[id] = false
		if c.hasSnap[id] && s.reachable && s.epoch == epoch {
			es = append(es, estimate{id: id, offset: s.offset, quality: s.quality})
		}
	}
	mtrcs.reachableAssocs.Set(float64(len(es)))

	if len(es) == 0 {
		if c.offset != OffsetUndetermined && !c.stale {
			c.stale = true
			c.log.Warn("no usable servers, holding last offset",
				zap.Duration("clock offset", c.offset))
			c.notifyLocked(false /* offsetChanged */)
		}
		return
	}

	out, ok := rejectOutliers(es, c.cfg.OutlierFactor, c.cfg.OutlierFloor)
	if !ok {
		c.log.Warn("all estimates marked as outliers, combining all",
			zap.Int("estimates", len(es)))
	}
	for i, e := range es {
		if out[i] {
			c.outlier[e.id] = true
			mtrcs.outliers.Inc()
			c.log.Debug("outlier rejected",
				zap.String("server", c.cfg.Servers[e.id]),
				zap.Duration("clock offset", e.offset),
			)
		}
	}
	off := combine(es, out)

	prev := c.offset
	wasStale := c.stale
	c.offset = off
	c.stale = false
	c.published = c.cfg.Clock.Now()
	mtrcs.offset.Set(timemath.Seconds(off))

	if c.state == Starting {
		c.state = Started
		if c.startTimer != nil {
			c.startTimer.Stop()
			c.startTimer = nil
		}
		c.log.Info("network clock started",
			zap.Stringer("run", c.runID),
			zap.Duration("clock offset", off),
		)
		c.resolvePendingLocked(true)
	}

	changed := prev == OffsetUndetermined || timemath.Abs(off-prev) > c.cfg.NotifyEpsilon
	if changed {
		c.log.Debug("network offset published",
			zap.Duration("clock offset", off),
			zap.Int("servers", len(es)),
		)
	}
	if changed || wasStale {
		c.notifyLocked(changed)
	}
}

func (c *NetworkClock) notifyLocked(offsetChanged bool) {
	ev := OffsetEvent{
		RunID:  c.runID.String(),
		Offset: c.offset,
		Stale:  c.stale,
		At:     c.cfg.Clock.Now(),
	}
	if offsetChanged && c.onOffset != nil {
		f := c.onOffset
		c.enqueueLocked(func() { f(ev.Offset) })
	}
	for _, s := range c.subs {
		c.enqueueLocked(func() { s.send(ev) })
	}
}

// SetOffsetUpdated registers the callback invoked with each meaningfully
// changed offset. A nil f clears the callback.
func (c *NetworkClock) SetOffsetUpdated(f func(time.Duration)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onOffset = f
}

// Subscribe returns a subscription with a channel buffering up to n events.
func (c *NetworkClock) Subscribe(n int) *Subscription {
	s := &Subscription{
		id:  uuid.New(),
		clk: c,
		ch:  make(chan OffsetEvent, max(n, 1)),
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subs[s.id] = s
	return s
}

func (c *NetworkClock) unsubscribe(id uuid.UUID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.subs, id)
}

func (c *NetworkClock) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// NetworkOffset returns the combined offset or OffsetUndetermined.
func (c *NetworkClock) NetworkOffset() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.offset
}

// NetworkTime returns the local time corrected by the combined offset. The
// result is false while the offset is undetermined.
func (c *NetworkClock) NetworkTime() (time.Time, bool) {
	c.mu.Lock()
	off := c.offset
	c.mu.Unlock()
	if off == OffsetUndetermined {
		return time.Time{}, false
	}
	return c.cfg.Clock.Now().Add(off), true
}

// Stale reports whether the offset is held from a previous combination
// because no server is currently usable.
func (c *NetworkClock) Stale() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stale
}

func (c *NetworkClock) Status() ClockStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := ClockStatus{
		State:        c.state,
		Determined:   c.offset != OffsetUndetermined,
		Offset:       c.offset,
		Stale:        c.stale,
		Published:    c.published,
		Associations: make([]AssociationStatus, len(c.assocs)),
	}
	if c.state != NotStarted {
		st.RunID = c.runID.String()
	}
	for i, a := range c.assocs {
		st.Associations[i] = a.status()
		st.Associations[i].Outlier = c.outlier[i]
	}
	return st
}

// Servers returns the configured servers in association ID order.
func (c *NetworkClock) Servers() []string {
	return append([]string(nil), c.cfg.Servers...)
}
