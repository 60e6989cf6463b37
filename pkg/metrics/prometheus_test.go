package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestRecorder(t *testing.T) {
	r := NewWithRegisterer(prometheus.NewRegistry())

	r.RecordNode("data_fetch", 0.2, false)
	r.RecordNode("data_fetch", 0.1, true)
	r.RecordRun("completed")
	r.RecordRun("completed")
	r.RecordStoreUpdate("signal")
	r.RecordError("kafka")

	assert.Equal(t, 1.0, testutil.ToFloat64(r.nodeFailures.WithLabelValues("data_fetch")))
	assert.Equal(t, 2.0, testutil.ToFloat64(r.runsTotal.WithLabelValues("completed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.storeUpdates.WithLabelValues("signal")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.errorsTotal.WithLabelValues("kafka")))
	assert.Equal(t, 1, testutil.CollectAndCount(r.nodeDuration))
}
