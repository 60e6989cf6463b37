package middleware

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"QuantFlow/internal/domain/models"
	domrepo "QuantFlow/internal/domain/repository"
	"QuantFlow/pkg/logger"
)

// EventPipeline sits between the graph executor and the event sinks.
// Local sinks (the websocket hub) receive every event synchronously. The durable
// sink (Kafka) is tried once inline and on failure the event is buffered and
// retried in the background, so a broker outage never stalls a run.
type EventPipeline struct {
	local   []domrepo.EventSink
	durable domrepo.EventSink
	metrics domrepo.Metrics
	log     *logger.Logger
	now     func() time.Time

	bufSize    int
	bufCh      chan models.RunEvent
	stopCh     chan struct{}
	started    bool
	mu         sync.Mutex
	wg         sync.WaitGroup
	maxBackoff time.Duration
}

type PipelineOption func(*EventPipeline)

// WithBufferSize sets the retry buffer size used while the durable sink is unavailable.
func WithBufferSize(n int) PipelineOption {
	return func(p *EventPipeline) {
		if n > 0 {
			p.bufSize = n
		}
	}
}

// WithLocalSinks adds sinks that get every event inline.
func WithLocalSinks(sinks ...domrepo.EventSink) PipelineOption {
	return func(p *EventPipeline) { p.local = append(p.local, sinks...) }
}

// WithDurableSink sets the sink backed by the retry buffer.
func WithDurableSink(s domrepo.EventSink) PipelineOption {
	return func(p *EventPipeline) { p.durable = s }
}

// WithPipelineLogger sets the logger.
func WithPipelineLogger(l *logger.Logger) PipelineOption {
	return func(p *EventPipeline) { p.log = l }
}

// WithMaxBackoff caps the retry delay.
func WithMaxBackoff(d time.Duration) PipelineOption {
	return func(p *EventPipeline) {
		if d > 0 {
			p.maxBackoff = d
		}
	}
}

// NewEventPipeline creates a new pipeline.
func NewEventPipeline(metrics domrepo.Metrics, opts ...PipelineOption) *EventPipeline {
	p := &EventPipeline{
		metrics:    metrics,
		log:        logger.Nop(),
		now:        time.Now,
		bufSize:    1000,
		stopCh:     make(chan struct{}),
		maxBackoff: 2 * time.Second,
	}
	for _, opt := range opts {
		opt(p)
	}
	p.bufCh = make(chan models.RunEvent, p.bufSize)
	return p
}

// Start launches background flushing of buffered events.
func (p *EventPipeline) Start(ctx context.Context) {
	p.mu.Lock()
	if p.started || p.durable == nil {
		p.mu.Unlock()
		return
	}
	p.started = true
	p.mu.Unlock()

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		backoff := 50 * time.Millisecond
		for {
			select {
			case <-p.stopCh:
				return
			case <-ctx.Done():
				return
			case ev := <-p.bufCh:
				if err := p.durable.Publish(ctx, ev); err != nil {
					// exponential backoff with cap
					if backoff < p.maxBackoff {
						backoff *= 2
					}
					p.recordError("pipeline_flush")
					select {
					case <-time.After(backoff):
					case <-p.stopCh:
						return
					case <-ctx.Done():
						return
					}
					// requeue if space; drop otherwise
					select {
					case p.bufCh <- ev:
					default:
						p.recordError("pipeline_buffer_drop")
					}
				} else {
					backoff = 50 * time.Millisecond
				}
			}
		}
	}()
}

// Stop stops the background flushing and waits for it to exit.
func (p *EventPipeline) Stop() {
	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return
	}
	p.started = false
	p.mu.Unlock()
	close(p.stopCh)
	p.wg.Wait()
}

// Pending reports how many events wait for the durable sink.
func (p *EventPipeline) Pending() int { return len(p.bufCh) }

// Publish validates ev and forwards it. Local sink errors are logged; a durable
// sink error buffers the event and is returned wrapped.
func (p *EventPipeline) Publish(ctx context.Context, ev models.RunEvent) error {
	start := p.now()
	if err := validateEvent(ev); err != nil {
		p.recordError("pipeline_validate")
		return err
	}
	if ev.Time.IsZero() {
		ev.Time = start
	}

	for _, s := range p.local {
		if err := s.Publish(ctx, ev); err != nil {
			p.recordError("pipeline_local")
			p.log.Warn("local event sink failed", logger.RunID(ev.RunID), logger.Error(err))
		}
	}
	if p.durable == nil {
		return nil
	}

	if err := p.durable.Publish(ctx, ev); err != nil {
		p.recordError("pipeline_process")
		// buffer non-blocking
		select {
		case p.bufCh <- ev:
			if p.metrics != nil {
				p.metrics.RecordLatency("pipeline_buffer_depth", float64(len(p.bufCh)))
			}
		default:
			p.recordError("pipeline_buffer_full")
		}
		return fmt.Errorf("pipeline downstream: %w", err)
	}
	if p.metrics != nil {
		p.metrics.RecordLatency("pipeline_process", time.Since(start).Seconds())
	}
	return nil
}

func (p *EventPipeline) recordError(kind string) {
	if p.metrics != nil {
		p.metrics.RecordError(kind)
	}
}

func validateEvent(ev models.RunEvent) error {
	if ev.RunID == "" {
		return errors.New("event run id empty")
	}
	if ev.Type == "" {
		return errors.New("event type empty")
	}
	return nil
}

var _ domrepo.EventSink = (*EventPipeline)(nil)
