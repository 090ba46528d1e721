// Package benchmark measures the round trip delay distribution of NTP
// exchanges with a single server.
package benchmark

import (
	"context"
	"io"
	"sync/atomic"
	"time"

	"github.com/HdrHistogram/hdrhistogram-go"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"example.com/netclock/base/zaplog"
	"example.com/netclock/core/client"
)

const (
	DefaultNumClients  = 1
	DefaultNumRequests = 1000

	// Round trip delays are recorded in microseconds up to 50 ms.
	histoMin     = 1
	histoMax     = 50_000
	histoSigFigs = 5

	exchangeTimeout = time.Second
)

type Config struct {
	Log *zap.Logger
	// Transport performs the exchanges; RTDs are recorded from the returned
	// timestamps.
	Transport   client.Transport
	Server      string
	NumClients  int
	NumRequests int
}

type Result struct {
	Histogram *hdrhistogram.Histogram
	Failures  int64
	Elapsed   time.Duration
}

// Run issues cfg.NumRequests exchanges from each of cfg.NumClients
// concurrent clients.
func Run(ctx context.Context, cfg Config) (Result, error) {
	log := cfg.Log
	if log == nil {
		log = zaplog.Logger()
	}
	numClients := cfg.NumClients
	if numClients <= 0 {
		numClients = DefaultNumClients
	}
	numRequests := cfg.NumRequests
	if numRequests <= 0 {
		numRequests = DefaultNumRequests
	}

	histos := make([]*hdrhistogram.Histogram, numClients)
	var failures atomic.Int64
	g, ctx := errgroup.WithContext(ctx)
	t0 := time.Now()
	for i := range numClients {
		hg := hdrhistogram.New(histoMin, histoMax, histoSigFigs)
		histos[i] = hg
		g.Go(func() error {
			for range numRequests {
				if err := ctx.Err(); err != nil {
					return err
				}
				xctx, cancel := context.WithTimeout(ctx, exchangeTimeout)
				ts, err := cfg.Transport.Exchange(xctx, cfg.Server, time.Now())
				cancel()
				if err != nil {
					failures.Add(1)
					log.Debug("exchange failed", zap.String("server", cfg.Server), zap.Error(err))
					continue
				}
				_ = hg.RecordValue(ts.Delay().Microseconds())
			}
			return nil
		})
	}
	err := g.Wait()
	elapsed := time.Since(t0)
	if err != nil {
		return Result{}, err
	}

	res := Result{
		Histogram: hdrhistogram.New(histoMin, histoMax, histoSigFigs),
		Failures:  failures.Load(),
		Elapsed:   elapsed,
	}
	for _, hg := range histos {
		res.Histogram.Merge(hg)
	}
	log.Info("benchmark finished",
		zap.String("server", cfg.Server),
		zap.Int64("exchanges", res.Histogram.TotalCount()),
		zap.Int64("failures", res.Failures),
		zap.Duration("elapsed", elapsed),
	)
	return res, nil
}

// Report prints the percentile distribution of res in microseconds.
func (res Result) Report(w io.Writer) error {
	_, err := res.Histogram.PercentilesPrint(w, 1, 1.0)
	return err
}
