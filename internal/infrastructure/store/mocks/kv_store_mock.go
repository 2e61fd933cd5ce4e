package mocks

import (
	"context"
	"sync"
)

// MockKVStore is a mock implementation of store.KVStore for testing
type MockKVStore struct {
	mu   sync.Mutex
	data map[string]string

	// Errors returned by the next calls when set
	LoadErr   error
	SaveErr   error
	DeleteErr error

	// For tracking calls in tests
	LoadCalls   [][]string
	SaveCalls   []map[string]string
	DeleteCalls [][]string
}

// NewMockKVStore creates a new MockKVStore, optionally pre-seeded
func NewMockKVStore(seed map[string]string) *MockKVStore {
	data := make(map[string]string, len(seed))
	for k, v := range seed {
		data[k] = v
	}
	return &MockKVStore{data: data}
}

func (m *MockKVStore) Load(_ context.Context, keys ...string) (map[string]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.LoadCalls = append(m.LoadCalls, keys)
	if m.LoadErr != nil {
		return nil, m.LoadErr
	}
	values := make(map[string]string)
	for _, k := range keys {
		if v, ok := m.data[k]; ok {
			values[k] = v
		}
	}
	return values, nil
}

func (m *MockKVStore) Save(_ context.Context, values map[string]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	batch := make(map[string]string, len(values))
	for k, v := range values {
		batch[k] = v
	}
	m.SaveCalls = append(m.SaveCalls, batch)
	if m.SaveErr != nil {
		return m.SaveErr
	}
	for k, v := range values {
		m.data[k] = v
	}
	return nil
}

func (m *MockKVStore) Delete(_ context.Context, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.DeleteCalls = append(m.DeleteCalls, keys)
	if m.DeleteErr != nil {
		return m.DeleteErr
	}
	for _, k := range keys {
		delete(m.data, k)
	}
	return nil
}

func (m *MockKVStore) Close() error { return nil }

// Value returns the stored value for key
func (m *MockKVStore) Value(key string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[key]
	return v, ok
}
