package netclock

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"example.com/netclock/base/timebase"
	"example.com/netclock/core/client"
)

const (
	DefaultHistorySize      = 8
	DefaultMinPoll          = 4 * time.Second
	DefaultMaxPoll          = 128 * time.Second
	DefaultExchangeTimeout  = 5 * time.Second
	DefaultMaxDelay         = 1 * time.Second
	DefaultFailureThreshold = 3
	DefaultStableSpread     = 5 * time.Millisecond
	DefaultQualityFloor     = 1 * time.Millisecond
	DefaultOutlierFactor    = 3.0
	DefaultOutlierFloor     = 1 * time.Millisecond
	DefaultNotifyEpsilon    = 100 * time.Microsecond
	DefaultStartupTimeout   = 15 * time.Second
)

// Config parameterizes a NetworkClock. Zero values select the defaults.
type Config struct {
	Log *zap.Logger

	Servers   []string
	Transport client.Transport
	Clock     timebase.LocalClock

	// HistorySize is the number of samples kept per server.
	HistorySize int
	// Poll intervals start at MinPoll and double while the estimate is
	// stable, up to MaxPoll.
	MinPoll time.Duration
	MaxPoll time.Duration
	// ExchangeTimeout bounds a single exchange.
	ExchangeTimeout time.Duration
	// Samples with a round trip delay above MaxDelay are rejected.
	MaxDelay time.Duration
	// FailureThreshold consecutive rejections mark a server unreachable.
	FailureThreshold int
	// StableSpread is the largest offset spread considered stable.
	StableSpread time.Duration
	QualityFloor time.Duration

	// A server estimate is an outlier if it deviates from the median by more
	// than max(OutlierFactor * MAD, OutlierFloor).
	OutlierFactor float64
	OutlierFloor  time.Duration

	// Offset changes up to NotifyEpsilon are not notified.
	NotifyEpsilon time.Duration
	// StartupTimeout bounds the wait for the first combined offset.
	StartupTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		HistorySize:      DefaultHistorySize,
		MinPoll:          DefaultMinPoll,
		MaxPoll:          DefaultMaxPoll,
		ExchangeTimeout:  DefaultExchangeTimeout,
		MaxDelay:         DefaultMaxDelay,
		FailureThreshold: DefaultFailureThreshold,
		StableSpread:     DefaultStableSpread,
		QualityFloor:     DefaultQualityFloor,
		OutlierFactor:    DefaultOutlierFactor,
		OutlierFloor:     DefaultOutlierFloor,
		NotifyEpsilon:    DefaultNotifyEpsilon,
		StartupTimeout:   DefaultStartupTimeout,
	}
}

func (cfg *Config) setDefaults() {
	d := DefaultConfig()
	if cfg.HistorySize == 0 {
		cfg.HistorySize = d.HistorySize
	}
	if cfg.MinPoll == 0 {
		cfg.MinPoll = d.MinPoll
	}
	if cfg.MaxPoll == 0 {
		cfg.MaxPoll = max(d.MaxPoll, cfg.MinPoll)
	}
	if cfg.ExchangeTimeout == 0 {
		cfg.ExchangeTimeout = d.ExchangeTimeout
	}
	if cfg.MaxDelay == 0 {
		cfg.MaxDelay = d.MaxDelay
	}
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = d.FailureThreshold
	}
	if cfg.StableSpread == 0 {
		cfg.StableSpread = d.StableSpread
	}
	if cfg.QualityFloor == 0 {
		cfg.QualityFloor = d.QualityFloor
	}
	if cfg.OutlierFactor == 0 {
		cfg.OutlierFactor = d.OutlierFactor
	}
	if cfg.OutlierFloor == 0 {
		cfg.OutlierFloor = d.OutlierFloor
	}
	if cfg.NotifyEpsilon == 0 {
		cfg.NotifyEpsilon = d.NotifyEpsilon
	}
	if cfg.StartupTimeout == 0 {
		cfg.StartupTimeout = d.StartupTimeout
	}
}

func (cfg *Config) validate() error {
	if len(cfg.Servers) == 0 {
		return errNoServers
	}
	seen := make(map[string]bool, len(cfg.Servers))
	for _, s := range cfg.Servers {
		if seen[s] {
			return fmt.Errorf("%w: %s", errDuplicateServer, s)
		}
		seen[s] = true
	}
	if cfg.Clock == nil {
		return errNoClock
	}
	if cfg.MinPoll < 0 || cfg.MaxPoll < cfg.MinPoll {
		return fmt.Errorf("%w: [%v, %v]", errInvalidPoll, cfg.MinPoll, cfg.MaxPoll)
	}
	if cfg.HistorySize < 0 || cfg.FailureThreshold < 0 ||
		cfg.ExchangeTimeout < 0 || cfg.MaxDelay < 0 ||
		cfg.StableSpread < 0 || cfg.QualityFloor < 0 ||
		cfg.OutlierFactor < 0 || cfg.OutlierFloor < 0 ||
		cfg.NotifyEpsilon < 0 || cfg.StartupTimeout < 0 {
		return errInvalidThreshold
	}
	if cfg.OutlierFactor < 1 {
		return fmt.Errorf("%w: %v", errOutlierFactor, cfg.OutlierFactor)
	}
	return nil
}
