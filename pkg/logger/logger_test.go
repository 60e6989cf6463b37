package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memPublisher struct {
	mu      sync.Mutex
	batches [][]AggregatedLogEntry
}

func (p *memPublisher) PublishMessage(_ context.Context, _ string, payload interface{}) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.batches = append(p.batches, payload.([]AggregatedLogEntry))
	return nil
}

func TestWithAddsFields(t *testing.T) {
	var buf bytes.Buffer
	log := NewWriter(&buf).With(RunID("r1"))
	log.Info("node done", Node("data_fetch"), Duration("took", 1500*time.Millisecond), Float64("sharpe", 1.25))

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "r1", entry["run_id"])
	assert.Equal(t, "data_fetch", entry["node"])
	assert.Equal(t, float64(1500), entry["took"])
	assert.Equal(t, 1.25, entry["sharpe"])
}

func TestCollectorAggregatesErrors(t *testing.T) {
	pub := &memPublisher{}
	log := NewWriter(&bytes.Buffer{})
	log.AddCollector(&CollectionConfig{TimeInterval: time.Hour, CountThreshold: 100, Topic: "logs", Publisher: pub})

	for i := 0; i < 3; i++ {
		log.Error("fetch failed", Error(errors.New("timeout")))
	}
	log.Warn("not collected")
	log.RemoveCollector()

	pub.mu.Lock()
	defer pub.mu.Unlock()
	require.Len(t, pub.batches, 1)
	require.Len(t, pub.batches[0], 1)
	assert.Equal(t, 3, pub.batches[0][0].Count)
	assert.Equal(t, "timeout", pub.batches[0][0].Fields["error"])
}
