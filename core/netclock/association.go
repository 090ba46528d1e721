package netclock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"example.com/netclock/base/crypto"
	"example.com/netclock/base/timemath"
	"example.com/netclock/core/measurements"
)

// AssociationStatus describes the state of the exchange with one server.
type AssociationStatus struct {
	ID        int           `json:"id"`
	Server    string        `json:"server"`
	Running   bool          `json:"running"`
	Reachable bool          `json:"reachable"`
	Offset    time.Duration `json:"offset"`
	Delay     time.Duration `json:"delay"`
	Spread    time.Duration `json:"spread"`
	Quality   float64       `json:"quality"`
	Samples   int           `json:"samples"`
	Failures  int           `json:"failures"`
	Poll      time.Duration `json:"poll"`
	LastError string        `json:"lastError,omitempty"`
	Updated   time.Time     `json:"updated"`
	Outlier   bool          `json:"outlier"`
}

// snapshot is the immutable view of an association delivered to the clock.
type snapshot struct {
	id        int
	runGen    uint64
	epoch     uint64
	reachable bool
	offset    time.Duration
	delay     time.Duration
	quality   float64
}

// Association maintains a self-scheduling exchange with a single server and
// the resulting best offset estimate. It reports updates to its clock by ID
// and never calls into the clock while holding its own lock.
type Association struct {
	id        int
	server    string
	cfg       *Config
	log       *zap.Logger
	report    func(snapshot)
	afterFunc func(time.Duration, func()) *time.Timer

	mu        sync.Mutex
	running   bool
	gen       uint64
	runGen    uint64
	timer     *time.Timer
	cancel    context.CancelFunc
	filter    *measurements.LuckyPacketFilter
	failures  int
	reachable bool
	offset    time.Duration
	delay     time.Duration
	spread    time.Duration
	quality   float64
	poll      time.Duration
	epoch     uint64
	hasEpoch  bool
	lastErr   error
	updated   time.Time
}

func newAssociation(id int, server string, cfg *Config, log *zap.Logger,
	report func(snapshot)) *Association {
	return &Association{
		id:        id,
		server:    server,
		cfg:       cfg,
		log:       log.With(zap.String("server", server)),
		report:    report,
		afterFunc: time.AfterFunc,
		filter:    measurements.NewLuckyPacketFilter(cfg.HistorySize, 1 /* pick */),
		poll:      cfg.MinPoll,
	}
}

func (a *Association) ID() int { return a.id }

func (a *Association) Server() string { return a.server }

// start begins exchanges on behalf of clock run runGen, the first one
// immediately. It is a no-op if the association is already running.
func (a *Association) start(runGen uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.running {
		return
	}
	a.running = true
	a.gen++
	a.runGen = runGen
	a.filter.Reset()
	a.failures = 0
	a.reachable = false
	a.offset, a.delay, a.spread, a.quality = 0, 0, 0, 0
	a.poll = a.cfg.MinPoll
	a.hasEpoch = false
	a.lastErr = nil
	a.updated = time.Time{}
	a.scheduleLocked(0)
	a.log.Debug("association started", zap.Uint64("generation", a.gen))
}

// stop cancels the pending timer and the exchange in flight, if any. Results
// of exchanges completing after stop are discarded.
func (a *Association) stop() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.running {
		return
	}
	a.running = false
	a.gen++
	if a.timer != nil {
		a.timer.Stop()
		a.timer = nil
	}
	if a.cancel != nil {
		a.cancel()
		a.cancel = nil
	}
	a.log.Debug("association stopped", zap.Uint64("generation", a.gen))
}

func (a *Association) scheduleLocked(d time.Duration) {
	gen := a.gen
	a.timer = a.afterFunc(d, func() { a.exchange(gen) })
}

func (a *Association) nextPollLocked() time.Duration {
	d := a.poll
	if n := int(d / 16); n > 0 {
		j, err := crypto.RandIntn(n)
		if err == nil {
			d += time.Duration(j)
		}
	}
	return d
}

func (a *Association) exchange(gen uint64) {
	a.mu.Lock()
	if !a.running || a.gen != gen {
		a.mu.Unlock()
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), a.cfg.ExchangeTimeout)
	a.cancel = cancel
	a.mu.Unlock()
	defer cancel()

	clk := a.cfg.Clock
	epoch := clk.Epoch()
	cTxTime := clk.Now()
	ts, err := a.cfg.Transport.Exchange(ctx, a.server, cTxTime)
	if err == nil && clk.Epoch() != epoch {
		a.log.Info("local clock stepped during exchange, sample discarded")
		a.reschedule(gen)
		return
	}

	a.complete(gen, epoch, ts, err)
}

func (a *Association) reschedule(gen uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.running || a.gen != gen {
		return
	}
	a.cancel = nil
	a.scheduleLocked(a.nextPollLocked())
}

func (a *Association) complete(gen, epoch uint64, ts measurements.Timestamps, err error) {
	a.mu.Lock()
	if !a.running || a.gen != gen {
		a.mu.Unlock()
		a.log.Debug("discarded result of stopped exchange", zap.Error(err))
		return
	}
	a.cancel = nil
	snap, ok := a.handleLocked(epoch, ts, err)
	a.scheduleLocked(a.nextPollLocked())
	a.mu.Unlock()

	if ok {
		a.report(snap)
	}
}

func validateSample(s measurements.Sample, maxDelay time.Duration) error {
	switch {
	case s.STxTime.Before(s.SRxTime):
		return errServerNonMonotonic
	case s.CRxTime.Before(s.CTxTime):
		return errClientNonMonotonic
	case s.Delay < 0:
		return errNegativeDelay
	case s.Delay > maxDelay:
		return errExcessiveDelay
	}
	return nil
}

// handleLocked applies the result of an exchange and returns the snapshot to
// report, if any.
func (a *Association) handleLocked(epoch uint64, ts measurements.Timestamps, err error) (
	snapshot, bool) {
	mtrcs := clkMetrics.Load()

	var s measurements.Sample
	if err != nil {
		err = fmt.Errorf("%w: %w", errTransportFailure, err)
	} else {
		s = measurements.NewSample(ts)
		err = validateSample(s, a.cfg.MaxDelay)
	}
	if err != nil {
		a.failures++
		a.lastErr = err
		mtrcs.samplesRejected.WithLabelValues(a.server).Inc()
		a.log.Debug("sample rejected", zap.Error(err), zap.Int("failures", a.failures))
		if a.failures != a.cfg.FailureThreshold {
			return snapshot{}, false
		}
		a.reachable = false
		a.filter.Reset()
		a.offset, a.delay, a.spread, a.quality = 0, 0, 0, 0
		a.poll = a.cfg.MinPoll
		mtrcs.reachable.WithLabelValues(a.server).Set(0)
		a.log.Info("server unreachable", zap.Int("failures", a.failures), zap.Error(err))
		return a.snapshotLocked(), true
	}

	if a.hasEpoch && a.epoch != epoch {
		a.log.Info("local clock epoch changed, history cleared")
		a.filter.Reset()
	}
	a.epoch, a.hasEpoch = epoch, true
	a.failures = 0
	a.lastErr = nil
	if !a.reachable {
		a.log.Info("server reachable")
	}
	a.reachable = true
	a.updated = s.CRxTime

	a.offset, a.delay = a.filter.Do(s)
	a.spread = a.filter.Spread()
	a.quality = 1 / timemath.Seconds(a.delay+a.spread+a.cfg.QualityFloor)

	stableSamples := min(4, a.filter.Cap())
	switch {
	case a.spread > a.cfg.StableSpread:
		a.poll = max(a.poll/2, a.cfg.MinPoll)
	case a.filter.Len() >= stableSamples:
		a.poll = min(a.poll*2, a.cfg.MaxPoll)
	}

	mtrcs.samplesAccepted.WithLabelValues(a.server).Inc()
	mtrcs.reachable.WithLabelValues(a.server).Set(1)
	a.log.Debug("sample accepted",
		zap.Duration("clock offset", s.Offset),
		zap.Duration("round trip delay", s.Delay),
		zap.Duration("best offset", a.offset),
		zap.Duration("best delay", a.delay),
		zap.Duration("spread", a.spread),
		zap.Float64("quality", a.quality),
		zap.Duration("poll", a.poll),
	)
	return a.snapshotLocked(), true
}

func (a *Association) snapshotLocked() snapshot {
	return snapshot{
		id:        a.id,
		runGen:    a.runGen,
		epoch:     a.epoch,
		reachable: a.reachable,
		offset:    a.offset,
		delay:     a.delay,
		quality:   a.quality,
	}
}

func (a *Association) status() AssociationStatus {
	a.mu.Lock()
	defer a.mu.Unlock()
	st := AssociationStatus{
		ID:        a.id,
		Server:    a.server,
		Running:   a.running,
		Reachable: a.reachable,
		Offset:    a.offset,
		Delay:     a.delay,
		Spread:    a.spread,
		Quality:   a.quality,
		Samples:   a.filter.Len(),
		Failures:  a.failures,
		Poll:      a.poll,
		Updated:   a.updated,
	}
	if a.lastErr != nil {
		st.LastError = a.lastErr.Error()
	}
	return st
}
