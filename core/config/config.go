// Package config loads the TOML service configuration.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"slices"
	"time"

	"github.com/pelletier/go-toml/v2"

	"example.com/netclock/base/crypto"
	"example.com/netclock/core/netclock"
)

// DSCP is the Differentiated Services Codepoint value to be used by senders of
// time synchronization packets. Valid values must be in range [0, 63].
const DSCP = 63

const (
	TransportIP   = "ip"
	TransportSNTP = "sntp"

	defaultDiscoveryService = "_ntp._udp"
	defaultDiscoveryDomain  = "local"
	defaultDiscoveryTimeout = 2 * time.Second
	defaultServerAddr       = ":123"
	defaultRateLimit        = 8.0
	defaultRateBurst        = 16
)

var (
	errNoServers        = errors.New("no servers configured and discovery disabled")
	errUnknownTransport = errors.New("unknown transport")
	errInvalidAddress   = errors.New("invalid address")
	errInvalidValue     = errors.New("invalid value")
)

// Duration is a time.Duration read from strings such as "64s" or "500ms".
type Duration time.Duration

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

func (d *Duration) UnmarshalText(text []byte) error {
	x, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(x)
	return nil
}

type ClockConfig struct {
	HistorySize      int      `toml:"history_size,omitempty"`
	MinPoll          Duration `toml:"min_poll,omitempty"`
	MaxPoll          Duration `toml:"max_poll,omitempty"`
	ExchangeTimeout  Duration `toml:"exchange_timeout,omitempty"`
	MaxDelay         Duration `toml:"max_delay,omitempty"`
	FailureThreshold int      `toml:"failure_threshold,omitempty"`
	StableSpread     Duration `toml:"stable_spread,omitempty"`
	QualityFloor     Duration `toml:"quality_floor,omitempty"`
	OutlierFactor    float64  `toml:"outlier_factor,omitempty"`
	OutlierFloor     Duration `toml:"outlier_floor,omitempty"`
	NotifyEpsilon    Duration `toml:"notify_epsilon,omitempty"`
	StartupTimeout   Duration `toml:"startup_timeout,omitempty"`
	StepThreshold    Duration `toml:"step_threshold,omitempty"`
}

type DiscoveryConfig struct {
	Enabled bool     `toml:"enabled,omitempty"`
	Service string   `toml:"service,omitempty"`
	Domain  string   `toml:"domain,omitempty"`
	Timeout Duration `toml:"timeout,omitempty"`
}

type MonitorConfig struct {
	Address string `toml:"address,omitempty"`
}

type ServerConfig struct {
	Address   string  `toml:"address,omitempty"`
	Workers   int     `toml:"workers,omitempty"`
	RateLimit float64 `toml:"rate_limit,omitempty"`
	RateBurst int     `toml:"rate_burst,omitempty"`
	// Advertise is the mDNS instance name announced for the server. Empty
	// disables advertising.
	Advertise string `toml:"advertise,omitempty"`
}

type Config struct {
	Servers    []string        `toml:"servers,omitempty"`
	MaxServers int             `toml:"max_servers,omitempty"`
	Transport  string          `toml:"transport,omitempty"`
	LocalAddr  string          `toml:"local_address,omitempty"`
	DSCP       uint8           `toml:"dscp,omitempty"`
	Clock      ClockConfig     `toml:"clock"`
	Discovery  DiscoveryConfig `toml:"discovery"`
	Monitor    MonitorConfig   `toml:"monitor"`
	Server     ServerConfig    `toml:"server"`
}

func Defaults() Config {
	d := netclock.DefaultConfig()
	return Config{
		Transport: TransportIP,
		DSCP:      DSCP,
		Clock: ClockConfig{
			HistorySize:      d.HistorySize,
			MinPoll:          Duration(d.MinPoll),
			MaxPoll:          Duration(d.MaxPoll),
			ExchangeTimeout:  Duration(d.ExchangeTimeout),
			MaxDelay:         Duration(d.MaxDelay),
			FailureThreshold: d.FailureThreshold,
			StableSpread:     Duration(d.StableSpread),
			QualityFloor:     Duration(d.QualityFloor),
			OutlierFactor:    d.OutlierFactor,
			OutlierFloor:     Duration(d.OutlierFloor),
			NotifyEpsilon:    Duration(d.NotifyEpsilon),
			StartupTimeout:   Duration(d.StartupTimeout),
		},
		Discovery: DiscoveryConfig{
			Service: defaultDiscoveryService,
			Domain:  defaultDiscoveryDomain,
			Timeout: Duration(defaultDiscoveryTimeout),
		},
		Server: ServerConfig{
			Address:   defaultServerAddr,
			Workers:   1,
			RateLimit: defaultRateLimit,
			RateBurst: defaultRateBurst,
		},
	}
}

// Decode reads a configuration on top of the defaults. Unknown fields are
// rejected.
func Decode(r io.Reader) (Config, error) {
	cfg := Defaults()
	err := toml.NewDecoder(r).DisallowUnknownFields().Decode(&cfg)
	if err != nil {
		return Config{}, err
	}
	err = cfg.Validate()
	if err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func Load(configFile string) (Config, error) {
	raw, err := os.ReadFile(configFile)
	if err != nil {
		return Config{}, err
	}
	return Decode(bytes.NewReader(raw))
}

func (c *Config) Validate() error {
	if len(c.Servers) == 0 && !c.Discovery.Enabled {
		return errNoServers
	}
	if c.Transport != TransportIP && c.Transport != TransportSNTP {
		return fmt.Errorf("%w: %q", errUnknownTransport, c.Transport)
	}
	if c.LocalAddr != "" && net.ParseIP(c.LocalAddr) == nil {
		return fmt.Errorf("%w: local_address %q", errInvalidAddress, c.LocalAddr)
	}
	if c.DSCP > 63 {
		return fmt.Errorf("%w: dscp %d", errInvalidValue, c.DSCP)
	}
	if c.MaxServers < 0 {
		return fmt.Errorf("%w: max_servers %d", errInvalidValue, c.MaxServers)
	}
	if c.Clock.MaxPoll < c.Clock.MinPoll {
		return fmt.Errorf("%w: max_poll %v < min_poll %v", errInvalidValue,
			time.Duration(c.Clock.MaxPoll), time.Duration(c.Clock.MinPoll))
	}
	if c.Clock.HistorySize < 0 || c.Clock.FailureThreshold < 0 {
		return fmt.Errorf("%w: clock", errInvalidValue)
	}
	if c.Clock.OutlierFactor < 1 {
		return fmt.Errorf("%w: outlier_factor %v", errInvalidValue, c.Clock.OutlierFactor)
	}
	if c.Server.Workers < 0 || c.Server.RateLimit < 0 || c.Server.RateBurst < 0 {
		return fmt.Errorf("%w: server", errInvalidValue)
	}
	return nil
}

// SelectServers returns at most c.MaxServers of servers chosen uniformly at
// random, keeping their relative order. MaxServers 0 selects all servers.
func (c *Config) SelectServers(servers []string) ([]string, error) {
	if c.MaxServers == 0 || len(servers) <= c.MaxServers {
		return slices.Clone(servers), nil
	}
	idx := make([]int, len(servers))
	for i := range idx {
		idx[i] = i
	}
	n, err := crypto.Sample(c.MaxServers, len(idx), func(dst, src int) {
		idx[dst] = idx[src]
	})
	if err != nil {
		return nil, err
	}
	idx = idx[:n]
	slices.Sort(idx)
	ss := make([]string, n)
	for i, j := range idx {
		ss[i] = servers[j]
	}
	return ss, nil
}

// NetClockConfig maps the clock section to a netclock.Config. Servers,
// transport, local clock and logger are left to the caller.
func (c *Config) NetClockConfig() netclock.Config {
	return netclock.Config{
		HistorySize:      c.Clock.HistorySize,
		MinPoll:          time.Duration(c.Clock.MinPoll),
		MaxPoll:          time.Duration(c.Clock.MaxPoll),
		ExchangeTimeout:  time.Duration(c.Clock.ExchangeTimeout),
		MaxDelay:         time.Duration(c.Clock.MaxDelay),
		FailureThreshold: c.Clock.FailureThreshold,
		StableSpread:     time.Duration(c.Clock.StableSpread),
		QualityFloor:     time.Duration(c.Clock.QualityFloor),
		OutlierFactor:    c.Clock.OutlierFactor,
		OutlierFloor:     time.Duration(c.Clock.OutlierFloor),
		NotifyEpsilon:    time.Duration(c.Clock.NotifyEpsilon),
		StartupTimeout:   time.Duration(c.Clock.StartupTimeout),
	}
}
