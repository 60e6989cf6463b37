package graph

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"QuantFlow/internal/domain/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type memRuns struct {
	mu     sync.Mutex
	states map[string]*models.ExecutionState
	locks  map[string]bool
	saves  int
}

func newMemRuns() *memRuns {
	return &memRuns{states: map[string]*models.ExecutionState{}, locks: map[string]bool{}}
}

func (m *memRuns) Save(_ context.Context, id string, st *models.ExecutionState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.states[id] = st.Clone()
	m.saves++
	return nil
}

func (m *memRuns) Load(_ context.Context, id string) (*models.ExecutionState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.states[id]
	if !ok {
		return nil, models.ErrUnknownSession
	}
	return st.Clone(), nil
}

func (m *memRuns) Exists(_ context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.states[id]
	return ok, nil
}

func (m *memRuns) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.states, id)
	return nil
}

func (m *memRuns) Lock(_ context.Context, id string, _ time.Duration) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.locks[id] {
		return "", false, nil
	}
	m.locks[id] = true
	return id, true, nil
}

func (m *memRuns) Unlock(_ context.Context, id, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.locks[id] || token != id {
		return models.ErrRunBusy
	}
	delete(m.locks, id)
	return nil
}

type memEvents struct {
	mu     sync.Mutex
	events []models.RunEvent
}

func (m *memEvents) Publish(_ context.Context, ev models.RunEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, ev)
	return nil
}

func (m *memEvents) types() []models.RunEventType {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.RunEventType, len(m.events))
	for i, ev := range m.events {
		out[i] = ev.Type
	}
	return out
}

// record appends the node name to the execution history.
func record(name string, calls *int) NodeFunc {
	return func(context.Context, *models.ExecutionState) (models.Update, error) {
		*calls++
		return models.Update{ExecutionHistory: []string{name}}, nil
	}
}

func newState() *models.ExecutionState {
	return models.NewExecutionState("", "get AAA prices", time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC))
}

func TestCompileRejectsBrokenGraphs(t *testing.T) {
	noop := func(context.Context, *models.ExecutionState) (models.Update, error) { return models.Update{}, nil }

	_, err := New("g").AddNode("a", noop).AddEdge("a", End).Compile()
	require.Error(t, err, "missing entry")

	_, err = New("g").AddNode("a", noop).AddEdge("a", "b").SetEntry("a").Compile()
	require.ErrorContains(t, err, `undefined node "b"`)

	_, err = New("g").AddNode("a", noop).SetEntry("a").Compile()
	require.ErrorContains(t, err, "no outgoing edge")

	_, err = New("g").AddNode("a", noop).
		AddConditionalEdge("a", func(*models.ExecutionState) string { return End }, "x", End).
		SetEntry("a").Compile()
	require.ErrorContains(t, err, `router target "x"`)

	_, err = New("g").AddNode("a", noop).AddNode("a", noop).AddEdge("a", End).SetEntry("a").Compile()
	require.ErrorContains(t, err, "defined twice")

	g, err := New("g").AddNode("a", noop).AddEdge("a", End).SetEntry("a").Compile()
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, g.Nodes())
}

func TestLinearRunCompletes(t *testing.T) {
	var a, b int
	g, err := New("linear").
		AddNode("a", record("a", &a)).
		AddNode("b", record("b", &b)).
		AddEdge("a", "b").AddEdge("b", End).
		SetEntry("a").Compile()
	require.NoError(t, err)

	runs, events := newMemRuns(), &memEvents{}
	ex := NewExecutor(g, runs, WithEvents(events))
	st, err := ex.Start(context.Background(), "", newState())
	require.NoError(t, err)

	assert.NotEmpty(t, st.RunID)
	assert.Equal(t, models.RunCompleted, st.Status)
	assert.Equal(t, []string{"a", "b"}, st.ExecutionHistory)
	assert.Equal(t, 2, st.Step)
	assert.Equal(t, []models.RunEventType{
		models.EventRunStarted, models.EventNodeCompleted, models.EventNodeCompleted, models.EventRunCompleted,
	}, events.types())

	saved, err := ex.Get(context.Background(), st.RunID)
	require.NoError(t, err)
	assert.Equal(t, models.RunCompleted, saved.Status)

	_, err = ex.Start(context.Background(), st.RunID, newState())
	require.ErrorIs(t, err, models.ErrRunExists)
}

func suspendGraph(t *testing.T, before, after *int) *Graph {
	t.Helper()
	ask := func(_ context.Context, st *models.ExecutionState) (models.Update, error) {
		return models.Update{}, Suspend("which ticker?", models.Update{
			PendingQuestion:  models.Ptr("which ticker?"),
			ExecutionHistory: []string{"ask"},
		})
	}
	answer := func(_ context.Context, st *models.ExecutionState, a string) (models.Update, error) {
		return models.Update{
			Messages:           []models.Message{{Role: models.RoleUser, Content: a}},
			PendingQuestion:    models.Ptr(""),
			ClarificationCount: models.Ptr(st.ClarificationCount + 1),
		}, nil
	}
	g, err := New("suspend").
		AddNode("before", record("before", before)).
		AddInterruptNode("ask", ask, answer).
		AddNode("after", record("after", after)).
		AddEdge("before", "ask").AddEdge("ask", "after").AddEdge("after", End).
		SetEntry("before").Compile()
	require.NoError(t, err)
	return g
}

func TestSuspendAndResumeFromSuspendedNode(t *testing.T) {
	var before, after int
	runs := newMemRuns()
	ex := NewExecutor(suspendGraph(t, &before, &after), runs)
	ctx := context.Background()

	st, err := ex.Start(ctx, "run-1", newState())
	require.NoError(t, err)
	assert.Equal(t, models.RunSuspended, st.Status)
	assert.Equal(t, "ask", st.CurrentNode)
	assert.Equal(t, "which ticker?", st.PendingQuestion)
	assert.Equal(t, 1, before)
	assert.Equal(t, 0, after)

	st, err = ex.Resume(ctx, "run-1", "000001.SZ")
	require.NoError(t, err)
	assert.Equal(t, models.RunCompleted, st.Status)
	assert.Equal(t, 1, before, "upstream node must not re-run")
	assert.Equal(t, 1, after)
	assert.Equal(t, 1, st.ClarificationCount)
	assert.Empty(t, st.PendingQuestion)
	assert.Len(t, st.Messages, 2)
	assert.Equal(t, []string{"before", "ask", "after"}, st.ExecutionHistory)

	_, err = ex.Resume(ctx, "run-1", "again")
	require.ErrorIs(t, err, models.ErrNotSuspended)
}

func TestResumeUnknownSession(t *testing.T) {
	var before, after int
	ex := NewExecutor(suspendGraph(t, &before, &after), newMemRuns())
	_, err := ex.Resume(context.Background(), "nope", "x")
	require.ErrorIs(t, err, models.ErrUnknownSession)
	assert.Zero(t, before)
}

func TestResumeWhileLockedIsBusy(t *testing.T) {
	var before, after int
	runs := newMemRuns()
	ex := NewExecutor(suspendGraph(t, &before, &after), runs)
	_, err := ex.Start(context.Background(), "r", newState())
	require.NoError(t, err)

	_, ok, err := runs.Lock(context.Background(), "r", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	_, err = ex.Resume(context.Background(), "r", "x")
	require.ErrorIs(t, err, models.ErrRunBusy)
}

func TestNodeErrorRoutesToErrorNode(t *testing.T) {
	var seen *models.ExecutionState
	fetch := func(context.Context, *models.ExecutionState) (models.Update, error) {
		return models.Update{ExecutionHistory: []string{"fetch"}}, errors.New("boom")
	}
	reflect := func(_ context.Context, st *models.ExecutionState) (models.Update, error) {
		seen = st
		return models.Update{FailurePending: models.Ptr(false)}, nil
	}
	g, err := New("err").
		AddNode("fetch", fetch).
		AddNode("reflect", reflect).
		AddEdge("fetch", End).AddEdge("reflect", End).
		SetEntry("fetch").SetErrorNode("reflect").Compile()
	require.NoError(t, err)

	st, err := NewExecutor(g, newMemRuns()).Start(context.Background(), "r", newState())
	require.NoError(t, err)
	require.NotNil(t, seen)
	assert.True(t, seen.FailurePending)
	assert.Equal(t, []string{"fetch: boom"}, seen.Errors)
	assert.Equal(t, []string{"fetch"}, st.ExecutionHistory)
	assert.Equal(t, models.RunCompleted, st.Status)
}

func TestNodePanicIsRecovered(t *testing.T) {
	bad := func(context.Context, *models.ExecutionState) (models.Update, error) {
		panic("nil map")
	}
	var n int
	g, err := New("panic").
		AddNode("bad", bad).AddNode("reflect", record("reflect", &n)).
		AddEdge("bad", End).AddEdge("reflect", End).
		SetEntry("bad").SetErrorNode("reflect").Compile()
	require.NoError(t, err)

	st, err := NewExecutor(g, newMemRuns()).Start(context.Background(), "r", newState())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []string{"bad: panic: nil map"}, st.Errors)
}

func TestStepLimit(t *testing.T) {
	var n int
	g, err := New("loop").AddNode("a", record("a", &n)).AddEdge("a", "a").SetEntry("a").Compile()
	require.NoError(t, err)

	runs := newMemRuns()
	st, err := NewExecutor(g, runs, WithMaxSteps(5)).Start(context.Background(), "r", newState())
	require.ErrorIs(t, err, models.ErrStepLimit)
	assert.Equal(t, 5, n)
	assert.Equal(t, models.RunFailed, st.Status)

	saved, err := runs.Load(context.Background(), "r")
	require.NoError(t, err)
	assert.Equal(t, models.RunFailed, saved.Status)
}

func TestFailedFlagEndsWithRetriesExhausted(t *testing.T) {
	give := func(context.Context, *models.ExecutionState) (models.Update, error) {
		return models.Update{Failed: models.Ptr(true)}, nil
	}
	g, err := New("fail").AddNode("a", give).AddEdge("a", End).SetEntry("a").Compile()
	require.NoError(t, err)

	events := &memEvents{}
	st, err := NewExecutor(g, newMemRuns(), WithEvents(events)).Start(context.Background(), "r", newState())
	require.ErrorIs(t, err, models.ErrRetriesExhausted)
	require.NotNil(t, st)
	assert.Equal(t, models.RunFailed, st.Status)
	assert.Equal(t, models.EventRunFailed, events.types()[len(events.types())-1])
}

func TestCancelledContextFailsRun(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	stop := func(context.Context, *models.ExecutionState) (models.Update, error) {
		cancel()
		return models.Update{}, nil
	}
	var n int
	g, err := New("cancel").
		AddNode("a", stop).AddNode("b", record("b", &n)).
		AddEdge("a", "b").AddEdge("b", End).
		SetEntry("a").Compile()
	require.NoError(t, err)

	runs := newMemRuns()
	st, err := NewExecutor(g, runs).Start(ctx, "r", newState())
	require.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, n)
	assert.Equal(t, models.RunFailed, st.Status)

	saved, err := runs.Load(context.Background(), "r")
	require.NoError(t, err)
	assert.Equal(t, "b", saved.CurrentNode)
}

func TestConcurrentRunsAreIsolated(t *testing.T) {
	var before, after int
	var mu sync.Mutex
	count := func(c *int) NodeFunc {
		return func(context.Context, *models.ExecutionState) (models.Update, error) {
			mu.Lock()
			*c++
			mu.Unlock()
			return models.Update{ExecutionHistory: []string{"x"}}, nil
		}
	}
	g, err := New("par").
		AddNode("a", count(&before)).AddNode("b", count(&after)).
		AddEdge("a", "b").AddEdge("b", End).SetEntry("a").Compile()
	require.NoError(t, err)

	ex := NewExecutor(g, newMemRuns())
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			st, err := ex.Start(context.Background(), "", newState())
			assert.NoError(t, err)
			assert.Len(t, st.ExecutionHistory, 2)
		}()
	}
	wg.Wait()
	assert.Equal(t, 16, before)
	assert.Equal(t, 16, after)
}
