package benchmark_test

import (
	"bytes"
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"example.com/netclock/benchmark"
	"example.com/netclock/core/measurements"
)

type delayTransport struct {
	calls atomic.Int64
	// every n-th call fails when n > 0
	failEvery int64
}

func (d *delayTransport) Exchange(_ context.Context, _ string, cTxTime time.Time) (
	measurements.Timestamps, error) {
	n := d.calls.Add(1)
	if d.failEvery > 0 && n%d.failEvery == 0 {
		return measurements.Timestamps{}, errors.New("i/o timeout")
	}
	delay := 100 * time.Microsecond
	return measurements.Timestamps{
		CTxTime: cTxTime,
		SRxTime: cTxTime.Add(delay / 2),
		STxTime: cTxTime.Add(delay / 2),
		CRxTime: cTxTime.Add(delay),
	}, nil
}

func TestRun(t *testing.T) {
	tr := &delayTransport{failEvery: 10}
	res, err := benchmark.Run(context.Background(), benchmark.Config{
		Log:         zap.NewNop(),
		Transport:   tr,
		Server:      "192.0.2.1",
		NumClients:  4,
		NumRequests: 50,
	})
	require.NoError(t, err)
	require.Equal(t, int64(200), tr.calls.Load())
	require.Equal(t, int64(20), res.Failures)
	require.Equal(t, int64(180), res.Histogram.TotalCount())
	require.Equal(t, int64(100), res.Histogram.ValueAtQuantile(50))

	var buf bytes.Buffer
	require.NoError(t, res.Report(&buf))
	require.Contains(t, buf.String(), "Value")
}

func TestRunCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := benchmark.Run(ctx, benchmark.Config{
		Log:       zap.NewNop(),
		Transport: &delayTransport{},
		Server:    "192.0.2.1",
	})
	require.ErrorIs(t, err, context.Canceled)
}
