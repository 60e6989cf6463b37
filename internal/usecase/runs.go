package usecase

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"QuantFlow/internal/domain/models"
	domrepo "QuantFlow/internal/domain/repository"
	"QuantFlow/internal/graph"
	applogger "QuantFlow/pkg/logger"
	"QuantFlow/pkg/queue"
	"QuantFlow/pkg/util"

	"github.com/google/uuid"
)

// Job types for asynchronous runs.
const (
	JobRunStart  = "run.start"
	JobRunResume = "run.resume"
)

// ResumePayload is the run.resume job payload.
type ResumePayload struct {
	RunID  string `json:"run_id"`
	Answer string `json:"answer"`
}

// RunService starts, resumes and inspects runs of the compiled graph.
type RunService struct {
	exec   *graph.Executor
	store  domrepo.DataStore
	queue  queue.QueueService
	log    *applogger.Logger
	now    func() time.Time
	params models.BacktestParams
}

// RunServiceOption configures RunService.
type RunServiceOption func(*RunService)

// WithQueue enables async requests; without it they run inline.
func WithQueue(q queue.QueueService) RunServiceOption { return func(s *RunService) { s.queue = q } }

func WithRunLogger(l *applogger.Logger) RunServiceOption { return func(s *RunService) { s.log = l } }

func WithRunClock(now func() time.Time) RunServiceOption { return func(s *RunService) { s.now = now } }

// WithDefaultBacktestParams sets the parameters used when a request leaves them zero.
func WithDefaultBacktestParams(p models.BacktestParams) RunServiceOption {
	return func(s *RunService) { s.params = p }
}

// NewRunService creates the run service.
func NewRunService(exec *graph.Executor, store domrepo.DataStore, opts ...RunServiceOption) *RunService {
	s := &RunService{
		exec:   exec,
		store:  store,
		log:    applogger.Nop(),
		now:    time.Now,
		params: models.DefaultBacktestParams(),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Start creates a run from req and executes it until it completes, fails or
// suspends. Async requests are queued and return at once with a run id.
// A failed run returns its state together with the cause.
func (s *RunService) Start(ctx context.Context, req models.StartRunRequest) (*models.RunResponse, error) {
	if req.Async && s.queue != nil {
		// reject what the worker would reject before handing out a run id
		if _, err := s.initialState(req); err != nil {
			return nil, err
		}
		if req.RunID == "" {
			req.RunID = uuid.NewString()
		} else if _, err := s.exec.Get(ctx, req.RunID); err == nil {
			return nil, fmt.Errorf("start %s: %w", req.RunID, models.ErrRunExists)
		}
		req.Async = false
		if err := s.queue.PublishMessage(ctx, JobRunStart, req); err != nil {
			return nil, fmt.Errorf("queue run %s: %w", req.RunID, err)
		}
		s.log.Info("run queued", applogger.RunID(req.RunID))
		return &models.RunResponse{RunID: req.RunID, Status: models.RunRunning, Queued: true}, nil
	}

	st, err := s.initialState(req)
	if err != nil {
		return nil, err
	}
	final, err := s.exec.Start(ctx, req.RunID, st)
	return respond(final), err
}

// Resume answers the pending question of a suspended run.
func (s *RunService) Resume(ctx context.Context, runID string, req models.ResumeRunRequest) (*models.RunResponse, error) {
	if req.Async && s.queue != nil {
		st, err := s.exec.Get(ctx, runID)
		if err != nil {
			return nil, err
		}
		if st.Status != models.RunSuspended {
			return respond(st), fmt.Errorf("resume %s (status %s): %w", runID, st.Status, models.ErrNotSuspended)
		}
		if err := s.queue.PublishMessage(ctx, JobRunResume, ResumePayload{RunID: runID, Answer: req.Answer}); err != nil {
			return nil, fmt.Errorf("queue resume %s: %w", runID, err)
		}
		return &models.RunResponse{RunID: runID, Status: models.RunSuspended, Queued: true}, nil
	}
	final, err := s.exec.Resume(ctx, runID, req.Answer)
	return respond(final), err
}

// Get returns the latest checkpoint of a run.
func (s *RunService) Get(ctx context.Context, runID string) (*models.RunResponse, error) {
	st, err := s.exec.Get(ctx, runID)
	if err != nil {
		return nil, err
	}
	return respond(st), nil
}

// Snapshot returns the whole store, one collection, or one field of it.
func (s *RunService) Snapshot(req models.SnapshotRequest) (models.Snapshot, error) {
	if req.Collection == "" {
		return s.store.Snapshot(), nil
	}
	tables, err := s.store.Collection(req.Collection)
	if err != nil {
		return nil, err
	}
	if req.Field != "" {
		t, ok := tables[req.Field]
		if !ok {
			return models.Snapshot{req.Collection: models.FieldTables{}}, nil
		}
		tables = models.FieldTables{req.Field: t}
	}
	return models.Snapshot{req.Collection: tables}, nil
}

func (s *RunService) initialState(req models.StartRunRequest) (*models.ExecutionState, error) {
	st := models.NewExecutionState(req.RunID, strings.TrimSpace(req.Message), s.now())
	if req.MaxRetries > 0 {
		st.MaxRetries = req.MaxRetries
	}
	st.BacktestParams = s.params
	if req.InitCash > 0 {
		st.BacktestParams.InitCash = req.InitCash
	}
	if req.Fees > 0 {
		st.BacktestParams.Fees = req.Fees
	}
	if req.Slippage > 0 {
		st.BacktestParams.Slippage = req.Slippage
	}

	if req.Ticker == "" && req.StartDate == "" && req.EndDate == "" && req.Strategy == "" && len(req.Params) == 0 {
		return st, nil
	}
	in := &models.Intent{
		Ticker:   strings.ToUpper(strings.TrimSpace(req.Ticker)),
		Strategy: req.Strategy,
		Params:   req.Params,
	}
	var err error
	if req.StartDate != "" {
		if in.StartDate, err = util.NormalizeDate(req.StartDate); err != nil {
			return nil, fmt.Errorf("%w: start_date: %v", models.ErrInvalidRequest, err)
		}
	}
	if req.EndDate != "" {
		if in.EndDate, err = util.NormalizeDate(req.EndDate); err != nil {
			return nil, fmt.Errorf("%w: end_date: %v", models.ErrInvalidRequest, err)
		}
	}
	if in.StartDate != "" && in.EndDate != "" && in.EndDate < in.StartDate {
		return nil, fmt.Errorf("%w: end_date before start_date", models.ErrInvalidRequest)
	}
	if in.Strategy != "" {
		in.Task = models.TaskSignal
	}
	st.Intent = in
	return st, nil
}

func respond(st *models.ExecutionState) *models.RunResponse {
	if st == nil {
		return nil
	}
	return &models.RunResponse{
		RunID:           st.RunID,
		Status:          st.Status,
		PendingQuestion: st.PendingQuestion,
		State:           st,
	}
}

// RunOutcome reports whether err describes how a run ended rather than a
// failure to execute it; the returned state is then meaningful.
func RunOutcome(err error) bool {
	return errors.Is(err, models.ErrRetriesExhausted) || errors.Is(err, models.ErrStepLimit)
}
