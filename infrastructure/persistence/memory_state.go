package persistence

import (
	"context"
	"sync"
)

// MemoryStateStore keeps client state in process memory. It backs runs with
// persistence disabled.
type MemoryStateStore struct {
	mu     sync.RWMutex
	values map[string]string
}

func NewMemoryStateStore() *MemoryStateStore {
	return &MemoryStateStore{values: make(map[string]string)}
}

func (m *MemoryStateStore) Get(_ context.Context, key string) (string, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.values[key]
	return v, ok, nil
}

func (m *MemoryStateStore) Put(_ context.Context, key, value string) error {
	m.mu.Lock()
	m.values[key] = value
	m.mu.Unlock()
	return nil
}

func (m *MemoryStateStore) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	delete(m.values, key)
	m.mu.Unlock()
	return nil
}
