// Package server relays the network time to downstream NTP clients. Replies
// carry the local clock corrected by the offset of a TimeSource; while the
// offset is undetermined the server answers as unsynchronized.
package server

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"example.com/netclock/base/metrics"
	"example.com/netclock/base/timebase"
	"example.com/netclock/base/zaplog"

	coretimebase "example.com/netclock/core/timebase"

	"example.com/netclock/core/netclock"

	"example.com/netclock/net/ntp"
)

const (
	// "NCLK"
	serverRefID = 0x4e434c4b

	serverStratum   = 2
	serverPrecision = -20

	DefaultRateLimit = 8
	DefaultRateBurst = 16
)

// TimeSource supplies the offset applied to the local clock, or
// netclock.OffsetUndetermined.
type TimeSource interface {
	NetworkOffset() time.Duration
}

var _ TimeSource = (*netclock.NetworkClock)(nil)

type serverMetrics struct {
	pktsReceived    prometheus.Counter
	reqsServed      prometheus.Counter
	reqsRateLimited prometheus.Counter
}

func newServerMetrics() *serverMetrics {
	return &serverMetrics{
		pktsReceived: promauto.NewCounter(prometheus.CounterOpts{
			Name: metrics.ServerPktsReceivedN,
			Help: metrics.ServerPktsReceivedH,
		}),
		reqsServed: promauto.NewCounter(prometheus.CounterOpts{
			Name: metrics.ServerReqsServedN,
			Help: metrics.ServerReqsServedH,
		}),
		reqsRateLimited: promauto.NewCounter(prometheus.CounterOpts{
			Name: metrics.ServerReqsRateLimitedN,
			Help: metrics.ServerReqsRateLimitedH,
		}),
	}
}

var (
	srvMetrics atomic.Pointer[serverMetrics]
)

func init() {
	srvMetrics.Store(newServerMetrics())
}

// Server answers NTP client requests over UDP/IP.
type Server struct {
	Log    *zap.Logger
	Source TimeSource
	// Clock is the local clock replies are based on; nil selects the
	// registered local clock.
	Clock   timebase.LocalClock
	DSCP    uint8
	Workers int
	// RateLimit is the sustained number of requests per second accepted
	// from a single client address. Zero selects DefaultRateLimit, a
	// negative value disables rate limiting.
	RateLimit rate.Limit
	RateBurst int

	limitersOnce sync.Once
	limiters     *limiterSet
}

func (s *Server) log() *zap.Logger {
	if s.Log != nil {
		return s.Log
	}
	return zaplog.Logger()
}

func (s *Server) now() time.Time {
	if s.Clock != nil {
		return s.Clock.Now()
	}
	return coretimebase.Now()
}

func (s *Server) offset() (time.Duration, bool) {
	if s.Source == nil {
		return 0, false
	}
	off := s.Source.NetworkOffset()
	if off == netclock.OffsetUndetermined {
		return 0, false
	}
	return off, true
}

func (s *Server) limiterSet() *limiterSet {
	s.limitersOnce.Do(func() {
		limit, burst := s.RateLimit, s.RateBurst
		if limit == 0 {
			limit = DefaultRateLimit
		}
		if burst <= 0 {
			burst = DefaultRateBurst
		}
		if limit > 0 {
			s.limiters = newLimiterSet(limit, burst)
		}
	})
	return s.limiters
}

// handleRequest fills resp for req. rxt and txt are the receive and transmit
// times already corrected by the network offset; synced reports whether such
// an offset exists.
func handleRequest(req *ntp.Packet, rxt, txt time.Time, synced bool, resp *ntp.Packet) {
	*resp = ntp.Packet{}
	resp.SetVersion(ntp.VersionMax)
	if req.Version() < ntp.VersionMax {
		resp.SetVersion(req.Version())
	}
	resp.SetMode(ntp.ModeServer)
	resp.Poll = req.Poll
	resp.Precision = serverPrecision
	if synced {
		resp.SetLeapIndicator(ntp.LeapIndicatorNoWarning)
		resp.Stratum = serverStratum
		resp.ReferenceID = serverRefID
		resp.RootDispersion = ntp.Time32{Seconds: 0, Fraction: 10}
		resp.ReferenceTime = ntp.Time64FromTime(rxt)
	} else {
		resp.SetLeapIndicator(ntp.LeapIndicatorUnknown)
		resp.Stratum = 0
	}
	resp.OriginTime = req.TransmitTime
	resp.ReceiveTime = ntp.Time64FromTime(rxt)
	resp.TransmitTime = ntp.Time64FromTime(txt)
}
