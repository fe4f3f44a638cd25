package repository

import (
	"context"
	"errors"
)

// Blob names for persisted cache state.
const (
	BlobIdentityRecords = "identity_records"
	BlobGatewayState    = "gateway_state"
)

var ErrBlobNotFound = errors.New("blob not found")

// BlobStore persists named opaque blobs. Save replaces a blob wholesale; a reader never
// observes a partially written blob.
type BlobStore interface {
	Load(ctx context.Context, name string) ([]byte, error)
	Save(ctx context.Context, name string, data []byte) error
	Remove(ctx context.Context, name string) error
}
