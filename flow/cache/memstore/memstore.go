// Package memstore is a process-local cache.Repository, suitable for tests
// and small single-process deployments.
package memstore

import (
	"context"
	"sync"
)

// MemStore is a process-local map-backed cache repository.
type MemStore struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// New constructs an empty MemStore.
func New() *MemStore {
	return &MemStore{data: make(map[string][]byte)}
}

func fullKey(namespace, key string) string {
	return namespace + "\x00" + key
}

// Retrieve looks up namespace/key.
func (m *MemStore) Retrieve(_ context.Context, namespace, key string) ([]byte, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.data[fullKey(namespace, key)]
	if !ok {
		return nil, false, nil
	}
	cp := make([]byte, len(v))
	copy(cp, v)
	return cp, true, nil
}

// Store writes value under namespace/key.
func (m *MemStore) Store(_ context.Context, namespace, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make([]byte, len(value))
	copy(cp, value)
	m.data[fullKey(namespace, key)] = cp
	return nil
}

// Close is a no-op.
func (m *MemStore) Close() error { return nil }
