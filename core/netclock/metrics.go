package netclock

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"example.com/netclock/base/metrics"
)

type clockMetrics struct {
	samplesAccepted *prometheus.CounterVec
	samplesRejected *prometheus.CounterVec
	reachable       *prometheus.GaugeVec
	aggregations    prometheus.Counter
	outliers        prometheus.Counter
	offset          prometheus.Gauge
	reachableAssocs prometheus.Gauge
}

var (
	clkMetrics atomic.Pointer[clockMetrics]
)

func init() {
	clkMetrics.Store(newClockMetrics())
}

func newClockMetrics() *clockMetrics {
	return &clockMetrics{
		samplesAccepted: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: metrics.AssocSamplesAcceptedN,
			Help: metrics.AssocSamplesAcceptedH,
		}, []string{"server"}),
		samplesRejected: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: metrics.AssocSamplesRejectedN,
			Help: metrics.AssocSamplesRejectedH,
		}, []string{"server"}),
		reachable: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: metrics.AssocReachableN,
			Help: metrics.AssocReachableH,
		}, []string{"server"}),
		aggregations: promauto.NewCounter(prometheus.CounterOpts{
			Name: metrics.ClockAggregationsN,
			Help: metrics.ClockAggregationsH,
		}),
		outliers: promauto.NewCounter(prometheus.CounterOpts{
			Name: metrics.ClockOutliersN,
			Help: metrics.ClockOutliersH,
		}),
		offset: promauto.NewGauge(prometheus.GaugeOpts{
			Name: metrics.ClockOffsetN,
			Help: metrics.ClockOffsetH,
		}),
		reachableAssocs: promauto.NewGauge(prometheus.GaugeOpts{
			Name: metrics.ClockReachableAssocsN,
			Help: metrics.ClockReachableAssocsH,
		}),
	}
}
