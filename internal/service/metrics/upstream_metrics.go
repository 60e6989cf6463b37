package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	once sync.Once

	UpstreamLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "quantflow",
			Subsystem: "upstream",
			Name:      "latency_seconds",
			Help:      "Latency of calls to external services (market data, LLM)",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"service", "endpoint"},
	)

	UpstreamErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "quantflow",
			Subsystem: "upstream",
			Name:      "errors_total",
			Help:      "Failed calls to external services",
		},
		[]string{"service", "endpoint"},
	)

	BreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "quantflow",
			Subsystem: "upstream",
			Name:      "breaker_open",
			Help:      "1 while the circuit breaker of a service is open",
		},
		[]string{"service"},
	)
)

// Register adds the upstream collectors to the default registry once.
func Register() {
	once.Do(func() {
		prometheus.MustRegister(UpstreamLatency, UpstreamErrors, BreakerState)
	})
}
