package store

import (
	"context"
	"errors"
)

var ErrClosed = errors.New("store is closed")

// KVStore persists small string values under fixed keys.
// Save writes every key of the batch or none of them.
type KVStore interface {
	// Load returns the values found for keys; missing keys are absent from the map
	Load(ctx context.Context, keys ...string) (map[string]string, error)

	// Save stores all values as one batch
	Save(ctx context.Context, values map[string]string) error

	// Delete removes keys; missing keys are not an error
	Delete(ctx context.Context, keys ...string) error

	Close() error
}
