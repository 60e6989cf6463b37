package repository

import (
	"context"
	"fmt"

	"QuantFlow/internal/domain/models"
	domrepo "QuantFlow/internal/domain/repository"
)

// Publisher is the keyed publish call of pkg/kafka.Producer.
type Publisher interface {
	Publish(ctx context.Context, topic string, key []byte, value interface{}) error
}

// KafkaEventSink publishes run events as JSON keyed by run id, so one run's
// events stay ordered within a partition.
type KafkaEventSink struct {
	pub   Publisher
	topic string
}

// NewKafkaEventSink creates a sink writing to topic.
func NewKafkaEventSink(pub Publisher, topic string) *KafkaEventSink {
	if topic == "" {
		topic = "quantflow.run-events"
	}
	return &KafkaEventSink{pub: pub, topic: topic}
}

func (s *KafkaEventSink) Publish(ctx context.Context, ev models.RunEvent) error {
	if err := s.pub.Publish(ctx, s.topic, []byte(ev.RunID), ev); err != nil {
		return fmt.Errorf("publish %s for run %s: %w", ev.Type, ev.RunID, err)
	}
	return nil
}

var _ domrepo.EventSink = (*KafkaEventSink)(nil)
