package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"gp-session-sync/internal/client"
	"gp-session-sync/internal/repository"
	"gp-session-sync/internal/util"
)

// BlobStore keeps each blob under prefix+name. A single SET replaces the value atomically.
type BlobStore struct {
	client *client.RedisClient
	prefix string
}

func NewBlobStore(client *client.RedisClient, prefix string) *BlobStore {
	return &BlobStore{client: client, prefix: prefix}
}

func (s *BlobStore) Load(ctx context.Context, name string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	data, err := s.client.GetBytes(ctx, s.prefix+name)
	if err != nil {
		if errors.Is(err, client.ErrKeyNotFound) {
			return nil, repository.ErrBlobNotFound
		}
		util.Error("Failed to load blob", zap.String("name", name), zap.Error(err))
		return nil, fmt.Errorf("failed to load blob %s: %w", name, err)
	}
	return data, nil
}

func (s *BlobStore) Save(ctx context.Context, name string, data []byte) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := s.client.Set(ctx, s.prefix+name, data, 0); err != nil {
		util.Error("Failed to save blob", zap.String("name", name), zap.Error(err))
		return fmt.Errorf("failed to save blob %s: %w", name, err)
	}
	util.Debug("Blob saved", zap.String("name", name), zap.Int("bytes", len(data)))
	return nil
}

func (s *BlobStore) Remove(ctx context.Context, name string) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := s.client.Del(ctx, s.prefix+name); err != nil {
		return fmt.Errorf("failed to remove blob %s: %w", name, err)
	}
	return nil
}

func (s *BlobStore) HealthCheck(ctx context.Context) error {
	return s.client.HealthCheck(ctx)
}
