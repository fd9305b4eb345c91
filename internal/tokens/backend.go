package tokens

import (
	"context"
	"sync"
)

// MemoryBackend is the always-available in-memory key/value backend.
type MemoryBackend struct {
	mu      sync.RWMutex
	entries map[string]string
}

// NewMemoryBackend creates an empty in-memory backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{entries: make(map[string]string)}
}

func (m *MemoryBackend) Put(ctx context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[key] = value
	return nil
}

func (m *MemoryBackend) Get(ctx context.Context, key string) (string, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	value, ok := m.entries[key]
	return value, ok, nil
}

func (m *MemoryBackend) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, key)
	return nil
}

func (m *MemoryBackend) Range(ctx context.Context, f func(key, value string) bool) error {
	m.mu.RLock()
	snapshot := make(map[string]string, len(m.entries))
	for key, value := range m.entries {
		snapshot[key] = value
	}
	m.mu.RUnlock()

	for key, value := range snapshot {
		if !f(key, value) {
			return nil
		}
	}
	return nil
}

func (m *MemoryBackend) Close() error {
	return nil
}

// Len reports the number of stored entries. Used by tests and the
// health endpoint.
func (m *MemoryBackend) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}
