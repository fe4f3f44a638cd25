package audit

import (
	"context"
	"encoding/json"
	"fmt"

	"gp-session-sync/internal/models"
)

type producer interface {
	ProduceMessage(ctx context.Context, topic string, key, value []byte, headers map[string]string) error
}

// KafkaSink publishes events as JSON keyed by canonical username.
type KafkaSink struct {
	producer producer
	topic    string
}

func NewKafkaSink(p producer, topic string) *KafkaSink {
	return &KafkaSink{producer: p, topic: topic}
}

func (s *KafkaSink) Append(ctx context.Context, event models.DuplicateSessionEvent) error {
	value, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	headers := map[string]string{
		"event_id":   event.ID,
		"event_type": "duplicate_session",
	}
	key := []byte(models.NormalizeUsername(event.Username))
	if err := s.producer.ProduceMessage(ctx, s.topic, key, value, headers); err != nil {
		return fmt.Errorf("publish event %s: %w", event.ID, err)
	}
	return nil
}
