package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

func init() {
	open := func(_ context.Context, _ Config) (Store, error) {
		return NewMemory(), nil
	}
	register("memory", open)
	// Alias kept for configs written against the original deployment guide.
	register("inmemory", open)
}

// memoryStore keeps streams in process memory. Useful for tests, local
// development, and as the reference implementation of Store semantics.
type memoryStore struct {
	mu      sync.Mutex
	streams map[string][][]byte
}

// NewMemory returns an empty in-memory store.
func NewMemory() Store {
	return &memoryStore{streams: make(map[string][][]byte)}
}

func (m *memoryStore) Create(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.streams[key]; !ok {
		m.streams[key] = nil
	}
	return nil
}

func (m *memoryStore) Append(_ context.Context, key string, doc []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.streams[key]; !ok {
		return fmt.Errorf("append %q: %w", key, ErrNotFound)
	}
	// Copy on write: the caller may reuse its buffer.
	cp := make([]byte, len(doc))
	copy(cp, doc)
	m.streams[key] = append(m.streams[key], cp)
	return nil
}

func (m *memoryStore) Read(_ context.Context, key string) ([][]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	docs, ok := m.streams[key]
	if !ok {
		return nil, fmt.Errorf("read %q: %w", key, ErrNotFound)
	}
	out := make([][]byte, len(docs))
	for i, d := range docs {
		cp := make([]byte, len(d))
		copy(cp, d)
		out[i] = cp
	}
	return out, nil
}

func (m *memoryStore) Last(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	docs, ok := m.streams[key]
	if !ok || len(docs) == 0 {
		return nil, fmt.Errorf("last %q: %w", key, ErrNotFound)
	}
	last := docs[len(docs)-1]
	cp := make([]byte, len(last))
	copy(cp, last)
	return cp, nil
}

func (m *memoryStore) Rename(_ context.Context, oldKey, newKey string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	docs, ok := m.streams[oldKey]
	if !ok {
		return fmt.Errorf("rename %q: %w", oldKey, ErrNotFound)
	}
	if oldKey == newKey {
		return nil
	}
	// Renaming onto an existing key replaces it. Targets are content
	// addresses, so a collision carries identical payloads.
	m.streams[newKey] = docs
	delete(m.streams, oldKey)
	return nil
}

func (m *memoryStore) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.streams[key]; !ok {
		return fmt.Errorf("delete %q: %w", key, ErrNotFound)
	}
	delete(m.streams, key)
	return nil
}

func (m *memoryStore) Exists(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.streams[key]
	return ok, nil
}

func (m *memoryStore) Keys(_ context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	keys := make([]string, 0, len(m.streams))
	for k := range m.streams {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

func (m *memoryStore) Close() error { return nil }
