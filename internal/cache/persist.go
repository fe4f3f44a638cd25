package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"gp-session-sync/internal/models"
	"gp-session-sync/internal/repository"
)

// EndpointSource yields the address of the currently authoritative HA peer.
type EndpointSource interface {
	ActiveEndpoint(ctx context.Context) (string, error)
}

// loadBlob decodes the named blob into v. A missing blob leaves v untouched. A blob that
// cannot be decoded is removed and reported as models.ErrCacheCorrupt.
func loadBlob(ctx context.Context, store repository.BlobStore, name string, v interface{}, logger *zap.Logger) error {
	data, err := store.Load(ctx, name)
	if errors.Is(err, repository.ErrBlobNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("load %s: %w", name, err)
	}

	if err := json.Unmarshal(data, v); err != nil {
		logger.Warn("Discarding corrupt cache blob", zap.String("name", name), zap.Error(err))
		if rmErr := store.Remove(ctx, name); rmErr != nil {
			logger.Error("Failed to remove corrupt cache blob", zap.String("name", name), zap.Error(rmErr))
		}
		return fmt.Errorf("%w: %s: %v", models.ErrCacheCorrupt, name, err)
	}
	return nil
}

func saveBlob(ctx context.Context, store repository.BlobStore, name string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", name, err)
	}
	return store.Save(ctx, name, data)
}
