package cache

import (
	"context"
	"sync"
)

// Memory is an in-process Store with a simple size bound: when the map
// reaches maxEntries, it is dropped wholesale rather than evicted
// entry by entry. Cheap, and correct for a cache.
type Memory struct {
	mu         sync.RWMutex
	entries    map[string]Entry
	maxEntries int
}

// DefaultMaxEntries bounds the in-memory store.
const DefaultMaxEntries = 10000

// NewMemory returns a Memory store holding at most maxEntries entries.
// maxEntries <= 0 selects DefaultMaxEntries.
func NewMemory(maxEntries int) *Memory {
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}
	return &Memory{entries: map[string]Entry{}, maxEntries: maxEntries}
}

// Get implements Store.
func (m *Memory) Get(_ context.Context, key string) (*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[key]
	if !ok {
		return nil, nil
	}
	return &e, nil
}

// Set implements Store.
func (m *Memory) Set(_ context.Context, key string, e Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.entries) >= m.maxEntries {
		m.entries = map[string]Entry{}
	}
	m.entries[key] = e
	return nil
}

// Delete implements Store.
func (m *Memory) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, key)
	return nil
}

// DeleteAll implements Store.
func (m *Memory) DeleteAll(_ context.Context, keys []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, k := range keys {
		delete(m.entries, k)
	}
	return nil
}

// Clear implements Store.
func (m *Memory) Clear(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = map[string]Entry{}
	return nil
}

// Close implements Store.
func (m *Memory) Close(ctx context.Context) error { return m.Clear(ctx) }

// Len reports the number of held entries.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}
