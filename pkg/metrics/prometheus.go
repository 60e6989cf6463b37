package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Recorder implements domain.repository.Metrics using Prometheus.
type Recorder struct {
	nodeDuration *prometheus.HistogramVec
	nodeFailures *prometheus.CounterVec
	runsTotal    *prometheus.CounterVec
	storeUpdates *prometheus.CounterVec
	errorsTotal  *prometheus.CounterVec
	latency      *prometheus.HistogramVec
}

// New creates a recorder on the default registry. Call it once per process.
func New() *Recorder {
	return NewWithRegisterer(prometheus.DefaultRegisterer)
}

// NewWithRegisterer creates a recorder on reg.
func NewWithRegisterer(reg prometheus.Registerer) *Recorder {
	f := promauto.With(reg)
	return &Recorder{
		nodeDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "quantflow_node_duration_seconds",
				Help:    "Duration of graph node invocations",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"node"},
		),
		nodeFailures: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "quantflow_node_failures_total",
				Help: "Graph node invocations that returned an error or logged errors",
			},
			[]string{"node"},
		),
		runsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "quantflow_runs_total",
				Help: "Run invocations by outcome",
			},
			[]string{"status"},
		),
		storeUpdates: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "quantflow_store_updates_total",
				Help: "Shared data store field writes",
			},
			[]string{"collection"},
		),
		errorsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "quantflow_errors_total",
				Help: "Total number of errors encountered",
			},
			[]string{"type"},
		),
		latency: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "quantflow_operation_duration_seconds",
				Help:    "Duration of operations in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"operation"},
		),
	}
}

// RecordNode records one node invocation.
func (r *Recorder) RecordNode(node string, seconds float64, failed bool) {
	r.nodeDuration.WithLabelValues(node).Observe(seconds)
	if failed {
		r.nodeFailures.WithLabelValues(node).Inc()
	}
}

// RecordRun counts a run reaching status (completed, failed, suspended).
func (r *Recorder) RecordRun(status string) {
	r.runsTotal.WithLabelValues(status).Inc()
}

// RecordStoreUpdate counts a write to collection.
func (r *Recorder) RecordStoreUpdate(collection string) {
	r.storeUpdates.WithLabelValues(collection).Inc()
}

// RecordError records an error occurrence.
func (r *Recorder) RecordError(kind string) {
	r.errorsTotal.WithLabelValues(kind).Inc()
}

// RecordLatency records operation latency in seconds.
func (r *Recorder) RecordLatency(op string, seconds float64) {
	r.latency.WithLabelValues(op).Observe(seconds)
}
