package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// fileMode keeps tokens readable by the owner only
const fileMode os.FileMode = 0o600

var errCorrupt = errors.New("file is not a JSON object of strings")

// FileStore keeps all values in a single JSON object on disk.
// Every write replaces the file through a temp file and rename.
type FileStore struct {
	mu     sync.Mutex
	path   string
	closed bool
}

func NewFileStore(path string) (*FileStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("store: create dir: %w", err)
	}
	return &FileStore{path: path}, nil
}

// Load retrieves the values stored under keys
func (f *FileStore) Load(_ context.Context, keys ...string) (map[string]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return nil, ErrClosed
	}
	data, err := f.read()
	if err != nil {
		return nil, err
	}

	values := make(map[string]string, len(keys))
	for _, key := range keys {
		if value, ok := data[key]; ok {
			values[key] = value
		}
	}
	return values, nil
}

// Save merges values into the file
func (f *FileStore) Save(_ context.Context, values map[string]string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return ErrClosed
	}
	data, err := f.readForWrite()
	if err != nil {
		return err
	}
	for key, value := range values {
		data[key] = value
	}
	return f.write(data)
}

// Delete removes keys from the file
func (f *FileStore) Delete(_ context.Context, keys ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return ErrClosed
	}
	data, err := f.readForWrite()
	if err != nil {
		return err
	}
	for _, key := range keys {
		delete(data, key)
	}
	return f.write(data)
}

func (f *FileStore) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *FileStore) read() (map[string]string, error) {
	raw, err := os.ReadFile(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return make(map[string]string), nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: read %s: %w", f.path, err)
	}

	data := make(map[string]string)
	if len(raw) == 0 {
		return data, nil
	}
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, fmt.Errorf("store: decode %s: %w: %w", f.path, errCorrupt, err)
	}
	return data, nil
}

// readForWrite is read for Save and Delete. An undecodable file is replaced
// by the next write instead of blocking every write after it.
func (f *FileStore) readForWrite() (map[string]string, error) {
	data, err := f.read()
	if errors.Is(err, errCorrupt) {
		return make(map[string]string), nil
	}
	return data, err
}

func (f *FileStore) write(data map[string]string) error {
	raw, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(f.path), ".storefront-*")
	if err != nil {
		return fmt.Errorf("store: temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) //nolint:errcheck

	if err := tmp.Chmod(fileMode); err != nil {
		tmp.Close()
		return fmt.Errorf("store: chmod: %w", err)
	}
	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		return fmt.Errorf("store: write: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("store: close: %w", err)
	}
	if err := os.Rename(tmpName, f.path); err != nil {
		return fmt.Errorf("store: rename: %w", err)
	}
	return nil
}
