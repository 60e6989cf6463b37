package server

import (
	"context"

	"QuantFlow/pkg/config"
	xhttp "QuantFlow/pkg/http"
	applogger "QuantFlow/pkg/logger"
	"QuantFlow/pkg/queue"
)

// Pipeline is the background part of run-event delivery.
type Pipeline interface {
	Start(ctx context.Context)
	Stop()
}

// Worker consumes queued run jobs.
type Worker interface {
	RegisterJobs(jobs []queue.Job)
	Start() error
	Stop(ctx context.Context) error
}

// Service is a background component started before serving, such as a
// Kafka consumer.
type Service interface {
	Start() error
	Stop(ctx context.Context) error
}

// App encapsulates the entire application lifecycle.
type App struct {
	cfg        *config.Config
	log        *applogger.Logger
	httpServer *xhttp.Server
	pipeline   Pipeline
	worker     Worker
	jobs       []queue.Job
	services   []Service
}

// Option configures App.
type Option func(*App)

// WithPipeline starts p before serving and stops it after the HTTP server.
func WithPipeline(p Pipeline) Option { return func(a *App) { a.pipeline = p } }

// WithWorker runs jobs on w for queued runs.
func WithWorker(w Worker, jobs ...queue.Job) Option {
	return func(a *App) {
		a.worker = w
		a.jobs = jobs
	}
}

// WithService runs s alongside the HTTP server.
func WithService(s Service) Option {
	return func(a *App) { a.services = append(a.services, s) }
}

// New creates a new App serving handler.
func New(cfg *config.Config, log *applogger.Logger, handler xhttp.Handler, opts ...Option) *App {
	a := &App{cfg: cfg, log: log}
	for _, o := range opts {
		o(a)
	}
	a.httpServer = xhttp.NewServer(handler, log,
		xhttp.WithPort(cfg.Server.Port),
		xhttp.WithTimeouts(cfg.Server.ReadTimeout, cfg.Server.WriteTimeout, cfg.Server.ShutdownTimeout),
		xhttp.WithSlowRequest(cfg.Server.SlowRequest),
		xhttp.WithCORS(cfg.Server.CORS),
	)
	return a
}

// Run starts the application and blocks until ctx is cancelled.
func (a *App) Run(ctx context.Context) error {
	if a.pipeline != nil {
		// keep flushing past the signal until shutdown stops it
		a.pipeline.Start(context.WithoutCancel(ctx))
	}

	if a.worker != nil {
		a.worker.RegisterJobs(a.jobs)
		if err := a.worker.Start(); err != nil {
			a.log.Error("queue worker start error", applogger.Error(err))
			a.stopPipeline()
			return err
		}
		a.log.Info("queue worker started", applogger.Int("jobs", len(a.jobs)))
	}

	for i, s := range a.services {
		if err := s.Start(); err != nil {
			a.log.Error("service start error", applogger.Error(err))
			a.services = a.services[:i]
			_ = a.shutdown()
			return err
		}
	}

	if err := a.httpServer.Start(); err != nil {
		a.log.Error("http server start error", applogger.Error(err))
		_ = a.shutdown()
		return err
	}
	a.log.Info("quantflow started",
		applogger.String("env", a.cfg.Environment),
		applogger.String("market", a.cfg.Market.Source),
		applogger.String("run_store", a.cfg.RunStore.Type))

	<-ctx.Done()
	a.log.Info("shutdown signal received")
	return a.shutdown()
}

// shutdown stops intake first, then the workers, then event delivery.
// Clients are closed by the injector's cleanup.
func (a *App) shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
	defer cancel()

	var firstErr error
	if err := a.httpServer.Stop(ctx); err != nil {
		a.log.Error("http shutdown error", applogger.Error(err))
		firstErr = err
	}
	if a.worker != nil {
		if err := a.worker.Stop(ctx); err != nil {
			a.log.Warn("queue worker stop error", applogger.Error(err))
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	for i := len(a.services) - 1; i >= 0; i-- {
		if err := a.services[i].Stop(ctx); err != nil {
			a.log.Warn("service stop error", applogger.Error(err))
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	a.stopPipeline()

	a.log.Info("shutdown complete")
	return firstErr
}

func (a *App) stopPipeline() {
	if a.pipeline != nil {
		a.pipeline.Stop()
	}
}
