package cachestore

import (
	"context"
	"sort"
	"sync"
)

type memBackend struct {
	mu     sync.RWMutex
	order  []string
	caches map[string]map[string][]byte
}

// NewMemory returns a Store that keeps everything in process memory.
func NewMemory() *Store {
	return &Store{b: &memBackend{caches: map[string]map[string][]byte{}}}
}

func (m *memBackend) createCache(_ context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.caches[name]; ok {
		return nil
	}
	m.caches[name] = map[string][]byte{}
	m.order = append(m.order, name)
	return nil
}

func (m *memBackend) hasCache(_ context.Context, name string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.caches[name]
	return ok, nil
}

func (m *memBackend) cacheNames(_ context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, len(m.order))
	copy(out, m.order)
	return out, nil
}

func (m *memBackend) deleteCache(_ context.Context, name string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.caches[name]; !ok {
		return false, nil
	}
	delete(m.caches, name)
	for i, n := range m.order {
		if n == name {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
	return true, nil
}

func (m *memBackend) get(_ context.Context, name, key string) ([]byte, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.caches[name][key]
	return b, ok, nil
}

func (m *memBackend) write(_ context.Context, name string, recs []record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.caches[name]
	if !ok {
		return ErrNotFound
	}
	for _, r := range recs {
		c[r.key] = r.value
	}
	return nil
}

func (m *memBackend) remove(_ context.Context, name, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.caches[name]
	if !ok {
		return false, nil
	}
	if _, ok := c[key]; !ok {
		return false, nil
	}
	delete(c, key)
	return true, nil
}

func (m *memBackend) entryKeys(_ context.Context, name string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.caches[name]))
	for k := range m.caches[name] {
		out = append(out, k)
	}
	sort.Strings(out)
	return out, nil
}

func (m *memBackend) close() error { return nil }
