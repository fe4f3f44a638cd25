package file

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gp-session-sync/internal/repository"
	"gp-session-sync/internal/util"
)

// BlobStore keeps each blob in its own file under a directory. Saves write a temp file in
// the same directory, sync it and rename it over the target.
type BlobStore struct {
	dir string
}

func NewBlobStore(dir string) (*BlobStore, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	return &BlobStore{dir: dir}, nil
}

func (s *BlobStore) path(name string) string {
	return filepath.Join(s.dir, name+".json")
}

func (s *BlobStore) Load(_ context.Context, name string) ([]byte, error) {
	data, err := os.ReadFile(s.path(name))
	if errors.Is(err, os.ErrNotExist) {
		return nil, repository.ErrBlobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read blob %s: %w", name, err)
	}
	return data, nil
}

func (s *BlobStore) Save(_ context.Context, name string, data []byte) error {
	tmp, err := os.CreateTemp(s.dir, name+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) // no-op after a successful rename

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write blob %s: %w", name, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync blob %s: %w", name, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close blob %s: %w", name, err)
	}
	if err := os.Rename(tmpName, s.path(name)); err != nil {
		return fmt.Errorf("failed to replace blob %s: %w", name, err)
	}

	util.Debug("Blob saved", util.String("name", name), util.Int("bytes", len(data)))
	return nil
}

func (s *BlobStore) Remove(_ context.Context, name string) error {
	if err := os.Remove(s.path(name)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove blob %s: %w", name, err)
	}
	return nil
}

// HealthCheck verifies the directory is writable.
func (s *BlobStore) HealthCheck(ctx context.Context) error {
	const probe = ".healthcheck"
	if err := s.Save(ctx, probe, []byte("ok")); err != nil {
		return err
	}
	return s.Remove(ctx, probe)
}
