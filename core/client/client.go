package client

import (
	"context"
	"net"
	"net/netip"
	"strconv"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"example.com/netclock/base/timebase"
	"example.com/netclock/base/zaplog"
	"example.com/netclock/core/measurements"
	"example.com/netclock/net/ntp"
)

// Transport performs a single NTP exchange with server. cTxTime is the client
// transmit time recorded by the caller; implementations may refine it and
// return it as part of the result together with the server receive, server
// transmit and client receive times.
type Transport interface {
	Exchange(ctx context.Context, server string, cTxTime time.Time) (measurements.Timestamps, error)
}

var (
	ipMetrics atomic.Pointer[ipClientMetrics]
)

func init() {
	ipMetrics.Store(newIPClientMetrics())
}

// hostPort returns server with the NTP port appended if it has no port.
func hostPort(server string) string {
	_, _, err := net.SplitHostPort(server)
	if err == nil {
		return server
	}
	return net.JoinHostPort(server, strconv.Itoa(ntp.ServerPort))
}

func resolve(ctx context.Context, server string) (netip.AddrPort, error) {
	host, port, err := net.SplitHostPort(hostPort(server))
	if err != nil {
		return netip.AddrPort{}, err
	}
	p, err := strconv.ParseUint(port, 10, 16)
	if err != nil {
		return netip.AddrPort{}, err
	}
	if addr, err := netip.ParseAddr(host); err == nil {
		return netip.AddrPortFrom(addr.Unmap(), uint16(p)), nil
	}
	addrs, err := net.DefaultResolver.LookupNetIP(ctx, "ip", host)
	if err != nil {
		return netip.AddrPort{}, err
	}
	for _, addr := range addrs {
		if addr.Unmap().Is4() {
			return netip.AddrPortFrom(addr.Unmap(), uint16(p)), nil
		}
	}
	if len(addrs) == 0 {
		return netip.AddrPort{}, errNoAddress
	}
	return netip.AddrPortFrom(addrs[0], uint16(p)), nil
}

func collectMeasurements(ctx context.Context, ms []measurements.Measurement, msc chan measurements.Measurement) int {
	i := 0
	j := 0
	n := len(ms)
loop:
	for i != n {
		select {
		case m := <-msc:
			if m.Error == nil {
				if j != len(ms) {
					ms[j] = m
					j++
				}
			}
			i++
		case <-ctx.Done():
			break loop
		}
	}
	go func(n int) { // drain channel
		for n != 0 {
			<-msc
			n--
		}
	}(n - i)
	return j
}

// MeasureClockOffsets performs one exchange with each server concurrently
// and returns the median of the successful measurements.
func MeasureClockOffsets(ctx context.Context, log *zap.Logger, t Transport,
	clk timebase.LocalClock, servers []string) (measurements.Measurement, error) {
	if log == nil {
		log = zaplog.Logger()
	}
	ms := make([]measurements.Measurement, len(servers))
	msc := make(chan measurements.Measurement)
	for _, server := range servers {
		go func(ctx context.Context, log *zap.Logger, server string) {
			var m measurements.Measurement
			ts, err := t.Exchange(ctx, server, clk.Now())
			if err != nil {
				log.Info("failed to measure clock offset",
					zap.String("to", server), zap.Error(err))
				m.Error = err
			} else {
				s := measurements.NewSample(ts)
				m.Timestamp = ts.CRxTime
				m.Offset = s.Offset
				m.Delay = s.Delay
				log.Debug("measured clock offset",
					zap.String("to", server),
					zap.Duration("clock offset", m.Offset),
					zap.Duration("round trip delay", m.Delay),
				)
			}
			msc <- m
		}(ctx, log, server)
	}
	n := collectMeasurements(ctx, ms, msc)
	if n == 0 {
		if err := ctx.Err(); err != nil {
			return measurements.Measurement{}, err
		}
		return measurements.Measurement{}, errNoMeasurements
	}
	return measurements.Median(ms[:n]), nil
}
