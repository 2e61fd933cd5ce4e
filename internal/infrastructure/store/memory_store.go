package store

import (
	"context"
	"sync"
)

// MemoryStore is an in-memory KVStore. Values live for the process lifetime.
type MemoryStore struct {
	mu     sync.RWMutex
	data   map[string]string
	closed bool
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		data: make(map[string]string),
	}
}

// Load retrieves the values stored under keys
func (ms *MemoryStore) Load(_ context.Context, keys ...string) (map[string]string, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()

	if ms.closed {
		return nil, ErrClosed
	}

	values := make(map[string]string, len(keys))
	for _, key := range keys {
		if value, ok := ms.data[key]; ok {
			values[key] = value
		}
	}
	return values, nil
}

// Save stores values under the write lock so readers never see half a batch
func (ms *MemoryStore) Save(_ context.Context, values map[string]string) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	if ms.closed {
		return ErrClosed
	}
	for key, value := range values {
		ms.data[key] = value
	}
	return nil
}

// Delete removes keys
func (ms *MemoryStore) Delete(_ context.Context, keys ...string) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	if ms.closed {
		return ErrClosed
	}
	for _, key := range keys {
		delete(ms.data, key)
	}
	return nil
}

func (ms *MemoryStore) Close() error {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	ms.closed = true
	return nil
}
