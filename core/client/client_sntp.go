package client

import (
	"context"
	"time"

	"github.com/beevik/ntp"

	"go.uber.org/zap"

	"example.com/netclock/base/zaplog"
	"example.com/netclock/core/measurements"
)

const defaultSNTPTimeout = 5 * time.Second

// SNTPClient exchanges packets using the beevik/ntp query implementation.
// Only offset and round trip delay are reported by the library, so the
// returned timestamps are reconstructed around cTxTime assuming zero server
// processing time.
type SNTPClient struct {
	Log     *zap.Logger
	Version int
}

var _ Transport = (*SNTPClient)(nil)

func (c *SNTPClient) log() *zap.Logger {
	if c.Log != nil {
		return c.Log
	}
	return zaplog.Logger()
}

func (c *SNTPClient) Exchange(ctx context.Context, server string, cTxTime time.Time) (
	measurements.Timestamps, error) {
	timeout := defaultSNTPTimeout
	if deadline, ok := ctx.Deadline(); ok {
		timeout = time.Until(deadline)
		if timeout <= 0 {
			return measurements.Timestamps{}, context.DeadlineExceeded
		}
	}
	opts := ntp.QueryOptions{Timeout: timeout}
	if c.Version != 0 {
		opts.Version = c.Version
	}

	type result struct {
		resp *ntp.Response
		err  error
	}
	resc := make(chan result, 1)
	go func() {
		resp, err := ntp.QueryWithOptions(hostPort(server), opts)
		resc <- result{resp, err}
	}()

	var res result
	select {
	case res = <-resc:
	case <-ctx.Done():
		return measurements.Timestamps{}, ctx.Err()
	}
	if res.err != nil {
		return measurements.Timestamps{}, res.err
	}
	err := res.resp.Validate()
	if err != nil {
		return measurements.Timestamps{}, err
	}

	c.log().Debug("received response",
		zap.String("from", server),
		zap.Uint8("stratum", res.resp.Stratum),
		zap.Duration("clock offset", res.resp.ClockOffset),
		zap.Duration("round trip delay", res.resp.RTT),
	)

	return timestampsFromOffset(cTxTime, res.resp.ClockOffset, res.resp.RTT), nil
}

func timestampsFromOffset(cTxTime time.Time, offset, rtd time.Duration) measurements.Timestamps {
	sTime := cTxTime.Add(offset + rtd/2)
	return measurements.Timestamps{
		CTxTime: cTxTime,
		SRxTime: sTime,
		STxTime: sTime,
		CRxTime: cTxTime.Add(rtd),
	}
}
