package usecase

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"QuantFlow/internal/domain/models"
	domrepo "QuantFlow/internal/domain/repository"
	pkgkafka "QuantFlow/pkg/kafka"
	applogger "QuantFlow/pkg/logger"

	"github.com/segmentio/kafka-go"
)

// EventRelay consumes the run-events topic and republishes each event to a
// local sink, so websocket subscribers on this instance see runs executed
// anywhere in the cluster.
type EventRelay struct {
	topic   string
	sink    domrepo.EventSink
	metrics domrepo.Metrics
	log     *applogger.Logger
}

func NewEventRelay(topic string, sink domrepo.EventSink, metrics domrepo.Metrics, l *applogger.Logger) *EventRelay {
	if l == nil {
		l = applogger.Nop()
	}
	return &EventRelay{topic: topic, sink: sink, metrics: metrics, log: l}
}

func (r *EventRelay) Topic() string { return r.topic }

func (r *EventRelay) Handle(ctx context.Context, b []byte) error {
	var ev models.RunEvent
	if err := json.Unmarshal(b, &ev); err != nil {
		r.metrics.RecordError("relay_unmarshal")
		return fmt.Errorf("decode run event: %w", err)
	}
	if ev.RunID == "" || ev.Type == "" {
		// not ours; retrying will not help
		r.metrics.RecordError("relay_malformed")
		return nil
	}
	if !ev.Time.IsZero() {
		r.metrics.RecordLatency("event_relay_lag_seconds", time.Since(ev.Time).Seconds())
	}
	if err := r.sink.Publish(ctx, ev); err != nil {
		r.metrics.RecordError("relay_publish")
		return err
	}
	return nil
}

// Hook logs messages the consumer gave up on.
func (r *EventRelay) Hook() pkgkafka.ConsumerHook {
	return pkgkafka.HookFuncs{
		Err: func(_ context.Context, topic string, km kafka.Message, _ []byte, err error) {
			r.log.Warn("run event dropped",
				applogger.String("topic", topic),
				applogger.String("run_id", string(km.Key)),
				applogger.Int("partition", km.Partition),
				applogger.Error(err))
		},
	}
}

var _ pkgkafka.MessageHandler = (*EventRelay)(nil)
