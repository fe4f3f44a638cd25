package audit

import (
	"context"
	"fmt"

	"gp-session-sync/internal/models"
)

type indexer interface {
	IndexDocument(ctx context.Context, index, id string, document interface{}) error
}

// ElasticsearchSink indexes each event under its ID, so a replayed event is not duplicated.
type ElasticsearchSink struct {
	client indexer
	index  string
}

func NewElasticsearchSink(client indexer, index string) *ElasticsearchSink {
	return &ElasticsearchSink{client: client, index: index}
}

func (s *ElasticsearchSink) Append(ctx context.Context, event models.DuplicateSessionEvent) error {
	if err := s.client.IndexDocument(ctx, s.index, event.ID, event); err != nil {
		return fmt.Errorf("index event %s: %w", event.ID, err)
	}
	return nil
}
