package objstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// ErrNotFound is returned by MemStore for unknown keys and uploads
var ErrNotFound = errors.New("object not found")

// MemStore is an in-memory Store for tests and dry runs
type MemStore struct {
	mu      sync.Mutex
	objects map[string][]byte
	uploads map[string]string // upload id -> key
	aborted []string

	// FailPut makes PutObjectMultipart fail for keys containing it
	FailPut string
}

// NewMemStore creates an empty MemStore
func NewMemStore() *MemStore {
	return &MemStore{
		objects: make(map[string][]byte),
		uploads: make(map[string]string),
	}
}

func (m *MemStore) InitMultipart(ctx context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := uuid.New().String()
	m.uploads[id] = key
	return id, nil
}

func (m *MemStore) PutObjectMultipart(ctx context.Context, key, uploadID string, r io.Reader) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.uploads[uploadID] != key {
		return fmt.Errorf("upload %s of %s: %w", uploadID, key, ErrNotFound)
	}
	if m.FailPut != "" && strings.Contains(key, m.FailPut) {
		return fmt.Errorf("injected failure for %s", key)
	}
	delete(m.uploads, uploadID)
	m.objects[key] = data
	return nil
}

func (m *MemStore) AbortMultipart(ctx context.Context, key, uploadID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.uploads, uploadID)
	m.aborted = append(m.aborted, key)
	return nil
}

func (m *MemStore) GetObject(ctx context.Context, key string) (io.ReadCloser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.objects[key]
	if !ok {
		return nil, fmt.Errorf("%s: %w", key, ErrNotFound)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (m *MemStore) PutObject(ctx context.Context, key string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = append([]byte(nil), data...)
	return nil
}

func (m *MemStore) ListObjects(ctx context.Context, prefix string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var keys []string
	for k := range m.objects {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// Object returns the stored bytes of key
func (m *MemStore) Object(key string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.objects[key]
	return data, ok
}

// Aborted returns the keys of aborted uploads in call order
func (m *MemStore) Aborted() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.aborted...)
}

// OpenUploads returns the number of uploads neither completed nor aborted
func (m *MemStore) OpenUploads() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.uploads)
}
