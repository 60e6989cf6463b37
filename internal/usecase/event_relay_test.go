package usecase

import (
	"context"
	"errors"
	"sync"
	"testing"

	"QuantFlow/internal/domain/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type relayMetrics struct {
	mu     sync.Mutex
	errors []string
}

func (m *relayMetrics) RecordNode(string, float64, bool) {}
func (m *relayMetrics) RecordRun(string)                 {}
func (m *relayMetrics) RecordStoreUpdate(string)         {}
func (m *relayMetrics) RecordLatency(string, float64)    {}
func (m *relayMetrics) RecordError(kind string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errors = append(m.errors, kind)
}

type sinkFunc func(context.Context, models.RunEvent) error

func (f sinkFunc) Publish(ctx context.Context, ev models.RunEvent) error { return f(ctx, ev) }

func TestEventRelayForwardsDecodedEvents(t *testing.T) {
	var got []models.RunEvent
	m := &relayMetrics{}
	r := NewEventRelay("quantflow.run-events", sinkFunc(func(_ context.Context, ev models.RunEvent) error {
		got = append(got, ev)
		return nil
	}), m, nil)

	assert.Equal(t, "quantflow.run-events", r.Topic())
	require.NoError(t, r.Handle(context.Background(),
		[]byte(`{"run_id":"r1","type":"node.completed","node":"fetch","next":"validate","step":1,"status":"running","time":"2024-01-01T00:00:00Z"}`)))

	require.Len(t, got, 1)
	assert.Equal(t, "r1", got[0].RunID)
	assert.Equal(t, "fetch", got[0].Node)
	assert.Equal(t, "validate", got[0].Next)
	assert.Equal(t, 1, got[0].Step)
	assert.Empty(t, m.errors)
}

func TestEventRelaySkipsMalformedAndReportsFailures(t *testing.T) {
	m := &relayMetrics{}
	boom := errors.New("hub closed")
	calls := 0
	r := NewEventRelay("events", sinkFunc(func(context.Context, models.RunEvent) error {
		calls++
		return boom
	}), m, nil)

	assert.Error(t, r.Handle(context.Background(), []byte(`not json`)))
	assert.NoError(t, r.Handle(context.Background(), []byte(`{"step":3}`)))
	assert.Equal(t, 0, calls)

	err := r.Handle(context.Background(), []byte(`{"run_id":"r9","type":"run.completed"}`))
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, calls)
	assert.Equal(t, []string{"relay_unmarshal", "relay_malformed", "relay_publish"}, m.errors)
	assert.NotNil(t, r.Hook())
}
