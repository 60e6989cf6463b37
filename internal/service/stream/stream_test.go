package stream

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"QuantFlow/internal/domain/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHubFanOut(t *testing.T) {
	h := NewHub(2, nil)
	ctx := context.Background()

	run, cancelRun := h.Subscribe("r1")
	all, cancelAll := h.Subscribe(AllRuns)
	defer cancelAll()

	require.NoError(t, h.Publish(ctx, models.RunEvent{RunID: "r1", Type: models.EventRunStarted}))
	require.NoError(t, h.Publish(ctx, models.RunEvent{RunID: "r2", Type: models.EventRunStarted}))

	assert.Equal(t, "r1", (<-run).RunID)
	assert.Equal(t, "r1", (<-all).RunID)
	assert.Equal(t, "r2", (<-all).RunID)
	assert.Empty(t, run)

	cancelRun()
	cancelRun()
	_, open := <-run
	assert.False(t, open)
	assert.Equal(t, 0, h.Subscribers("r1"))
}

func TestHubDropsForSlowSubscribers(t *testing.T) {
	h := NewHub(1, nil)
	_, cancel := h.Subscribe("r1")
	defer cancel()
	for i := 0; i < 3; i++ {
		_ = h.Publish(context.Background(), models.RunEvent{RunID: "r1", Step: i})
	}
	assert.Equal(t, int64(2), h.Dropped())
}

func TestServeAndClient(t *testing.T) {
	h := NewHub(8, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = h.Serve(ctx, w, r, "r1")
	}))
	defer srv.Close()

	c := NewClient("ws"+strings.TrimPrefix(srv.URL, "http"), time.Second)
	require.NoError(t, c.Connect(ctx))
	defer c.Close()
	require.Eventually(t, func() bool { return h.Subscribers("r1") == 1 }, 2*time.Second, 10*time.Millisecond)

	_ = h.Publish(ctx, models.RunEvent{RunID: "r1", Type: models.EventNodeCompleted, Node: "reflection"})
	_ = h.Publish(ctx, models.RunEvent{RunID: "r2", Type: models.EventNodeCompleted})
	_ = h.Publish(ctx, models.RunEvent{RunID: "r1", Type: models.EventRunSuspended})

	events, errs := c.Read(ctx, true)
	var got []models.RunEventType
	for ev := range events {
		got = append(got, ev.Type)
	}
	assert.Equal(t, []models.RunEventType{models.EventNodeCompleted, models.EventRunSuspended}, got)
	for err := range errs {
		assert.NoError(t, err)
	}
}
