// Package blob stores small per-user JSON documents keyed by name: client
// state the writing tools persist between sessions.
package blob

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/quillstream/quillstream/pkg/storage"
)

// ErrNotFound is returned when no blob exists for an owner and key.
var ErrNotFound = errors.New("blob not found")

// Store saves and fetches per-owner keyed blobs. The owner is the
// authenticated safe user id (legacy blobs may be keyed by raw user id;
// callers fall back explicitly).
type Store interface {
	Save(ctx context.Context, owner, key string, data []byte) error
	Fetch(ctx context.Context, owner, key string) ([]byte, error)
}

// memoryStore keeps blobs in process memory.
type memoryStore struct {
	mu    sync.Mutex
	blobs map[string][]byte
}

// NewMemory returns an empty in-memory blob store.
func NewMemory() Store {
	return &memoryStore{blobs: make(map[string][]byte)}
}

func blobKey(owner, key string) string {
	return owner + "\x00" + key
}

func (m *memoryStore) Save(_ context.Context, owner, key string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make([]byte, len(data))
	copy(cp, data)
	m.blobs[blobKey(owner, key)] = cp
	return nil
}

func (m *memoryStore) Fetch(_ context.Context, owner, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.blobs[blobKey(owner, key)]
	if !ok {
		return nil, fmt.Errorf("blob %q/%q: %w", owner, key, ErrNotFound)
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	return cp, nil
}

// streamStore keeps blobs in the stream store: every save appends a version
// and fetch returns the latest. Blob history rides the same durability as
// the session streams.
type streamStore struct {
	store storage.Store
}

// NewStreamStore persists blobs through a stream store.
func NewStreamStore(store storage.Store) Store {
	return &streamStore{store: store}
}

func streamKey(owner, key string) string {
	return "blob:" + owner + ":" + key
}

// IsStreamKey reports whether a storage key was written by a stream-backed
// blob store.
func IsStreamKey(key string) bool {
	return strings.HasPrefix(key, "blob:")
}

func (s *streamStore) Save(ctx context.Context, owner, key string, data []byte) error {
	sk := streamKey(owner, key)
	if err := s.store.Create(ctx, sk); err != nil {
		return fmt.Errorf("save blob: %w", err)
	}
	if err := s.store.Append(ctx, sk, data); err != nil {
		return fmt.Errorf("save blob: %w", err)
	}
	return nil
}

func (s *streamStore) Fetch(ctx context.Context, owner, key string) ([]byte, error) {
	data, err := s.store.Last(ctx, streamKey(owner, key))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("blob %q/%q: %w", owner, key, ErrNotFound)
		}
		return nil, fmt.Errorf("fetch blob: %w", err)
	}
	return data, nil
}
