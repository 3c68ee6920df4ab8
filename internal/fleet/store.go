// Package fleet persists fleet documents such as the balancer desired state
// so they survive restarts. Documents are opaque bytes keyed by name.
package fleet

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
)

// ErrNotFound is returned by Get for unknown keys.
var ErrNotFound = errors.New("fleet document not found")

// Store is a key-value store of serialized documents.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, doc []byte) error
	Close() error
}

// Open builds a store from a URL: memory://, file://<dir> or sqlite://<path>.
func Open(url string) (Store, error) {
	switch {
	case url == "" || url == "memory://":
		return NewMemoryStore(), nil
	case strings.HasPrefix(url, "file://"):
		return NewFileStore(strings.TrimPrefix(url, "file://"))
	case strings.HasPrefix(url, "sqlite://"):
		return NewSQLiteStore(strings.TrimPrefix(url, "sqlite://"))
	}
	return nil, fmt.Errorf("unsupported fleet store url: %q", url)
}

// MemoryStore keeps documents in memory.
type MemoryStore struct {
	mu   sync.RWMutex
	docs map[string][]byte
}

func NewMemoryStore() *MemoryStore { return &MemoryStore{docs: make(map[string][]byte)} }

func (m *MemoryStore) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.docs[key]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), b...), nil
}

func (m *MemoryStore) Put(_ context.Context, key string, doc []byte) error {
	m.mu.Lock()
	m.docs[key] = append([]byte(nil), doc...)
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) Close() error { return nil }
