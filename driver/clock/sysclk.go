// Package clock provides the host's realtime clock as a local time source.
// The clock is only read, never adjusted. Steps of the realtime clock are
// detected by comparing its progress with the monotonic clock; each detected
// step advances the clock's epoch.
package clock

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"example.com/netclock/base/timebase"
	"example.com/netclock/base/timemath"
	"example.com/netclock/base/zaplog"
)

const (
	defaultStepThreshold = 100 * time.Millisecond

	// Upper bound on slewing by NTP daemons, 500 ppm
	maxSlewDivisor = 2000
)

type SystemClock struct {
	Log           *zap.Logger
	StepThreshold time.Duration

	mu    sync.Mutex
	epoch uint64
	steps stepDetector
}

var _ timebase.LocalClock = (*SystemClock)(nil)

var monoBase = time.Now()

func monotonic() time.Duration {
	return time.Since(monoBase)
}

func (c *SystemClock) log() *zap.Logger {
	if c.Log != nil {
		return c.Log
	}
	return zaplog.Logger()
}

// read samples the realtime and the monotonic clock back to back.
func (c *SystemClock) read() (time.Time, time.Duration) {
	wall := now(c.log())
	return wall, monotonic()
}

func (c *SystemClock) observe(wall time.Time, mono time.Duration) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.steps.threshold == 0 {
		c.steps.threshold = c.StepThreshold
		if c.steps.threshold == 0 {
			c.steps.threshold = defaultStepThreshold
		}
	}
	step, stepped := c.steps.observe(wall, mono)
	if stepped {
		c.epoch++
		c.log().Warn("local clock step detected",
			zap.Duration("step", step), zap.Uint64("epoch", c.epoch))
	}
	return c.epoch
}

func (c *SystemClock) Epoch() uint64 {
	return c.observe(c.read())
}

func (c *SystemClock) Now() time.Time {
	t, mono := c.read()
	c.observe(t, mono)
	return t
}

type stepDetector struct {
	threshold time.Duration
	valid     bool
	wall      time.Time
	mono      time.Duration
}

// observe records a reading of the realtime clock taken at monotonic instant
// mono and reports the deviation if the realtime clock moved by more than
// the threshold (plus maximum slew) differently from the monotonic clock.
func (d *stepDetector) observe(wall time.Time, mono time.Duration) (time.Duration, bool) {
	if !d.valid {
		d.valid, d.wall, d.mono = true, wall, mono
		return 0, false
	}
	elapsed := mono - d.mono
	dev := wall.Sub(d.wall) - elapsed
	d.wall, d.mono = wall, mono
	if timemath.Abs(dev) > d.threshold+timemath.Abs(elapsed)/maxSlewDivisor {
		return dev, true
	}
	return dev, false
}
