package usecase

import (
	"context"
	"errors"

	"QuantFlow/internal/domain/models"
	applogger "QuantFlow/pkg/logger"
	"QuantFlow/pkg/queue"
)

// StartRunJob executes queued run.start messages.
type StartRunJob struct {
	runs *RunService
	log  *applogger.Logger
}

func NewStartRunJob(runs *RunService, l *applogger.Logger) *StartRunJob {
	if l == nil {
		l = applogger.Nop()
	}
	return &StartRunJob{runs: runs, log: l}
}

func (j *StartRunJob) Name() string { return "start_run" }
func (j *StartRunJob) Type() string { return JobRunStart }

func (j *StartRunJob) Handle(ctx context.Context, payload interface{}) error {
	req, err := queue.ParsePayload[models.StartRunRequest](payload)
	if err != nil {
		return err
	}
	req.Async = false
	res, err := j.runs.Start(ctx, *req)
	return settle(j.log, req.RunID, res, err)
}

// ResumeRunJob executes queued run.resume messages.
type ResumeRunJob struct {
	runs *RunService
	log  *applogger.Logger
}

func NewResumeRunJob(runs *RunService, l *applogger.Logger) *ResumeRunJob {
	if l == nil {
		l = applogger.Nop()
	}
	return &ResumeRunJob{runs: runs, log: l}
}

func (j *ResumeRunJob) Name() string { return "resume_run" }
func (j *ResumeRunJob) Type() string { return JobRunResume }

func (j *ResumeRunJob) Handle(ctx context.Context, payload interface{}) error {
	p, err := queue.ParsePayload[ResumePayload](payload)
	if err != nil {
		return err
	}
	res, err := j.runs.Resume(ctx, p.RunID, models.ResumeRunRequest{Answer: p.Answer})
	return settle(j.log, p.RunID, res, err)
}

// settle logs the outcome. Only infrastructure errors are returned so the
// queue retries them; a run that failed or was rejected will not improve.
func settle(l *applogger.Logger, runID string, res *models.RunResponse, err error) error {
	switch {
	case err == nil:
		l.Info("queued run settled", applogger.RunID(runID), applogger.String("status", string(res.Status)))
		return nil
	case RunOutcome(err), domainError(err):
		l.Warn("queued run ended", applogger.RunID(runID), applogger.Error(err))
		return nil
	default:
		return err
	}
}

func domainError(err error) bool {
	for _, target := range []error{
		models.ErrUnknownSession, models.ErrRunExists, models.ErrNotSuspended,
		models.ErrRunBusy, models.ErrUnknownCollection, models.ErrInvalidRequest,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

var (
	_ queue.Job = (*StartRunJob)(nil)
	_ queue.Job = (*ResumeRunJob)(nil)
)
