// Package hashstore remembers, per bundle, the remote hash a local (possibly
// partial) file was downloaded against. A mismatch on the next run means the
// partial bytes belong to an older revision and must be discarded.
package hashstore

import (
	"context"
	"sync"
)

// Store is a key/value record of full name -> last known remote hash
type Store interface {
	Get(ctx context.Context, name string) (hash string, ok bool, err error)
	Set(ctx context.Context, name, hash string) error
	Delete(ctx context.Context, name string) error
	Clear(ctx context.Context) error
	Close() error
}

// MemoryStore is an in-process Store
type MemoryStore struct {
	mu     sync.RWMutex
	hashes map[string]string
}

// NewMemory returns an empty in-process store
func NewMemory() *MemoryStore {
	return &MemoryStore{hashes: make(map[string]string)}
}

func (m *MemoryStore) Get(_ context.Context, name string) (string, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	h, ok := m.hashes[name]
	return h, ok, nil
}

func (m *MemoryStore) Set(_ context.Context, name, hash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hashes[name] = hash
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.hashes, name)
	return nil
}

func (m *MemoryStore) Clear(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hashes = make(map[string]string)
	return nil
}

func (m *MemoryStore) Close() error { return nil }
