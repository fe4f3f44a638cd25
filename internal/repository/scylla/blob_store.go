package scylla

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gocql/gocql"
	"go.uber.org/zap"

	"gp-session-sync/internal/repository"
	"gp-session-sync/internal/util"
)

// BlobStore keeps each blob as one row of cache_blobs. A single-row INSERT is atomic, so
// readers see either the previous or the new blob.
type BlobStore struct {
	client *ScyllaClient
}

func NewBlobStore(client *ScyllaClient) *BlobStore {
	return &BlobStore{client: client}
}

func (s *BlobStore) Load(ctx context.Context, name string) ([]byte, error) {
	var data []byte
	err := s.client.Query(ctx, s.client.Prepared.LoadBlob, name).Scan(&data)
	if err != nil {
		if errors.Is(err, gocql.ErrNotFound) {
			return nil, repository.ErrBlobNotFound
		}
		util.Error("Failed to load blob", zap.String("name", name), zap.Error(err))
		return nil, fmt.Errorf("failed to load blob %s: %w", name, err)
	}
	return data, nil
}

func (s *BlobStore) Save(ctx context.Context, name string, data []byte) error {
	if err := s.client.Query(ctx, s.client.Prepared.SaveBlob, name, data, time.Now().UTC()).Exec(); err != nil {
		util.Error("Failed to save blob", zap.String("name", name), zap.Error(err))
		return fmt.Errorf("failed to save blob %s: %w", name, err)
	}
	util.Debug("Blob saved", zap.String("name", name), zap.Int("bytes", len(data)))
	return nil
}

func (s *BlobStore) Remove(ctx context.Context, name string) error {
	if err := s.client.Query(ctx, s.client.Prepared.RemoveBlob, name).Exec(); err != nil {
		return fmt.Errorf("failed to remove blob %s: %w", name, err)
	}
	return nil
}

func (s *BlobStore) HealthCheck(ctx context.Context) error {
	return s.client.HealthCheck(ctx)
}
