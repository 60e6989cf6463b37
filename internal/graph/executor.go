package graph

import (
	"context"
	"errors"
	"fmt"
	"time"

	"QuantFlow/internal/domain/models"
	domrepo "QuantFlow/internal/domain/repository"
	"QuantFlow/pkg/logger"

	"github.com/google/uuid"
)

const (
	DefaultMaxSteps = 50
	DefaultLockTTL  = 10 * time.Minute
)

// Executor drives runs of one compiled graph and checkpoints them in a RunStore
// after every step. Checkpoint expiry is the RunStore's idle TTL.
type Executor struct {
	graph    *Graph
	runs     domrepo.RunStore
	events   domrepo.EventSink
	metrics  domrepo.Metrics
	log      *logger.Logger
	maxSteps int
	lockTTL  time.Duration
	now      func() time.Time
}

// Option configures Executor.
type Option func(*Executor)

func WithEvents(s domrepo.EventSink) Option { return func(e *Executor) { e.events = s } }

func WithMetrics(m domrepo.Metrics) Option { return func(e *Executor) { e.metrics = m } }

func WithLogger(l *logger.Logger) Option { return func(e *Executor) { e.log = l } }

// WithMaxSteps caps node invocations per run.
func WithMaxSteps(n int) Option {
	return func(e *Executor) {
		if n > 0 {
			e.maxSteps = n
		}
	}
}

func WithLockTTL(d time.Duration) Option {
	return func(e *Executor) {
		if d > 0 {
			e.lockTTL = d
		}
	}
}

func WithClock(now func() time.Time) Option { return func(e *Executor) { e.now = now } }

// NewExecutor creates an executor for g.
func NewExecutor(g *Graph, runs domrepo.RunStore, opts ...Option) *Executor {
	e := &Executor{
		graph:    g,
		runs:     runs,
		log:      logger.Nop(),
		maxSteps: DefaultMaxSteps,
		lockTTL:  DefaultLockTTL,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Graph returns the executed graph.
func (e *Executor) Graph() *Graph { return e.graph }

// Start begins a new run from the entry node. An empty runID gets a fresh uuid.
// It fails with ErrRunExists when runID was used before.
func (e *Executor) Start(ctx context.Context, runID string, st *models.ExecutionState) (*models.ExecutionState, error) {
	if runID == "" {
		runID = uuid.NewString()
	}
	unlock, err := e.lock(ctx, runID, models.ErrRunExists)
	if err != nil {
		return nil, err
	}
	defer unlock()

	exists, err := e.runs.Exists(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("start %s: %w", runID, err)
	}
	if exists {
		return nil, fmt.Errorf("start %s: %w", runID, models.ErrRunExists)
	}

	st = st.Clone()
	now := e.now()
	st.RunID = runID
	st.Status = models.RunRunning
	st.CurrentNode = e.graph.entry
	if st.CreatedAt.IsZero() {
		st.CreatedAt = now
	}
	st.UpdatedAt = now

	e.log.Info("run started", logger.RunID(runID), logger.String("graph", e.graph.name))
	e.publish(ctx, st, models.EventRunStarted, "", "", st.LastUserMessage(), 0)
	return e.loop(ctx, st)
}

// Resume feeds answer to the suspended node of runID and continues stepping
// from there. Unknown or expired runs yield ErrUnknownSession.
func (e *Executor) Resume(ctx context.Context, runID, answer string) (*models.ExecutionState, error) {
	unlock, err := e.lock(ctx, runID, models.ErrRunBusy)
	if err != nil {
		return nil, err
	}
	defer unlock()

	st, err := e.runs.Load(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("resume %s: %w", runID, err)
	}
	if st.Status != models.RunSuspended {
		return st, fmt.Errorf("resume %s (status %s): %w", runID, st.Status, models.ErrNotSuspended)
	}
	n, ok := e.graph.nodes[st.CurrentNode]
	if !ok || n.resume == nil {
		return st, fmt.Errorf("resume %s: node %q takes no answer: %w", runID, st.CurrentNode, models.ErrNotSuspended)
	}

	upd, err := n.resume(ctx, st.Clone(), answer)
	if err != nil {
		return st, fmt.Errorf("resume %s: %w", runID, err)
	}
	st.Apply(upd)
	st.Status = models.RunRunning
	st.UpdatedAt = e.now()

	next, err := e.graph.next(n, st)
	if err != nil {
		return e.fail(ctx, st, err)
	}
	e.log.Info("run resumed", logger.RunID(runID), logger.Node(n.name), logger.String("next", next))
	e.publish(ctx, st, models.EventRunResumed, n.name, next, answer, 0)
	st.CurrentNode = next
	return e.loop(ctx, st)
}

// Get loads the latest checkpoint of a run.
func (e *Executor) Get(ctx context.Context, runID string) (*models.ExecutionState, error) {
	return e.runs.Load(ctx, runID)
}

func (e *Executor) lock(ctx context.Context, runID string, busy error) (func(), error) {
	token, ok, err := e.runs.Lock(ctx, runID, e.lockTTL)
	if err != nil {
		return nil, fmt.Errorf("lock run %s: %w", runID, err)
	}
	if !ok {
		return nil, fmt.Errorf("lock run %s: %w", runID, busy)
	}
	return func() {
		if err := e.runs.Unlock(context.WithoutCancel(ctx), runID, token); err != nil {
			e.log.Warn("unlock run failed", logger.RunID(runID), logger.Error(err))
		}
	}, nil
}

func (e *Executor) loop(ctx context.Context, st *models.ExecutionState) (*models.ExecutionState, error) {
	for {
		if st.CurrentNode == End {
			return e.finish(ctx, st)
		}
		if err := ctx.Err(); err != nil {
			return e.fail(ctx, st, err)
		}
		if st.Step >= e.maxSteps {
			return e.fail(ctx, st, fmt.Errorf("%w: %d steps", models.ErrStepLimit, e.maxSteps))
		}

		n := e.graph.nodes[st.CurrentNode]
		st.Step++
		started := e.now()
		upd, err := e.invoke(ctx, n, st)
		took := e.now().Sub(started)

		if intr, ok := AsInterrupt(err); ok {
			st.Apply(intr.Update)
			st.Status = models.RunSuspended
			st.UpdatedAt = e.now()
			e.recordNode(n.name, took, false)
			if err := e.save(ctx, st); err != nil {
				return st, err
			}
			e.log.Info("run suspended", logger.RunID(st.RunID), logger.Node(n.name), logger.String("question", intr.Question))
			e.publish(ctx, st, models.EventRunSuspended, n.name, "", intr.Question, took)
			return st, nil
		}

		if err != nil {
			upd.Errors = append(upd.Errors, fmt.Sprintf("%s: %v", n.name, err))
		}
		failed := err != nil || upd.HasErrors()
		if failed {
			upd.FailurePending = models.Ptr(true)
		}
		st.Apply(upd)
		st.UpdatedAt = e.now()
		e.recordNode(n.name, took, failed)

		var next string
		if err != nil && e.graph.errorNode != "" {
			next = e.graph.errorNode
		} else {
			var rerr error
			if next, rerr = e.graph.next(n, st); rerr != nil {
				return e.fail(ctx, st, rerr)
			}
		}

		if failed {
			e.log.Warn("node failed", logger.RunID(st.RunID), logger.Node(n.name), logger.String("next", next), logger.String("last_error", st.LastError()))
			e.publish(ctx, st, models.EventNodeFailed, n.name, next, st.LastError(), took)
		} else {
			e.log.Debug("node completed", logger.RunID(st.RunID), logger.Node(n.name), logger.String("next", next), logger.Duration("took_ms", took))
			e.publish(ctx, st, models.EventNodeCompleted, n.name, next, "", took)
		}

		st.CurrentNode = next
		if err := e.save(ctx, st); err != nil {
			return st, err
		}
	}
}

func (e *Executor) invoke(ctx context.Context, n *node, st *models.ExecutionState) (upd models.Update, err error) {
	defer func() {
		if r := recover(); r != nil {
			upd = models.Update{}
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	// nodes get a copy; only the returned update changes the run
	return n.fn(ctx, st.Clone())
}

func (e *Executor) finish(ctx context.Context, st *models.ExecutionState) (*models.ExecutionState, error) {
	st.UpdatedAt = e.now()
	if st.Failed {
		return e.fail(ctx, st, models.ErrRetriesExhausted)
	}
	st.Status = models.RunCompleted
	if err := e.save(ctx, st); err != nil {
		return st, err
	}
	if e.metrics != nil {
		e.metrics.RecordRun(string(models.RunCompleted))
	}
	e.log.Info("run completed", logger.RunID(st.RunID), logger.Int("steps", st.Step))
	e.publish(ctx, st, models.EventRunCompleted, "", "", "", 0)
	return st, nil
}

// fail marks the run failed, persists it and returns cause alongside the state.
func (e *Executor) fail(ctx context.Context, st *models.ExecutionState, cause error) (*models.ExecutionState, error) {
	st.Status = models.RunFailed
	st.UpdatedAt = e.now()
	if !errors.Is(cause, models.ErrRetriesExhausted) {
		st.Errors = append(st.Errors, cause.Error())
	}
	if err := e.save(ctx, st); err != nil {
		return st, errors.Join(cause, err)
	}
	if e.metrics != nil {
		e.metrics.RecordRun(string(models.RunFailed))
	}
	e.log.Warn("run failed", logger.RunID(st.RunID), logger.Int("steps", st.Step), logger.Error(cause))
	e.publish(ctx, st, models.EventRunFailed, st.CurrentNode, "", cause.Error(), 0)
	return st, cause
}

func (e *Executor) save(ctx context.Context, st *models.ExecutionState) error {
	// a cancelled caller still gets its final checkpoint
	ctx = context.WithoutCancel(ctx)
	if err := e.runs.Save(ctx, st.RunID, st); err != nil {
		e.log.Error("save checkpoint failed", logger.RunID(st.RunID), logger.Error(err))
		return fmt.Errorf("save run %s: %w", st.RunID, err)
	}
	return nil
}

func (e *Executor) recordNode(name string, took time.Duration, failed bool) {
	if e.metrics != nil {
		e.metrics.RecordNode(name, took.Seconds(), failed)
	}
}

func (e *Executor) publish(ctx context.Context, st *models.ExecutionState, typ models.RunEventType, node, next, msg string, took time.Duration) {
	if e.events == nil {
		return
	}
	ev := models.RunEvent{
		RunID:    st.RunID,
		Type:     typ,
		Node:     node,
		Next:     next,
		Step:     st.Step,
		Status:   st.Status,
		Message:  msg,
		Duration: took.Milliseconds(),
		Time:     e.now(),
	}
	if err := e.events.Publish(context.WithoutCancel(ctx), ev); err != nil {
		e.log.Warn("publish run event failed", logger.RunID(st.RunID), logger.String("type", string(typ)), logger.Error(err))
	}
}
