package storage

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

func init() {
	register("fs", func(_ context.Context, cfg Config) (Store, error) {
		return NewFS(cfg.Path)
	})
}

const (
	fsDataExt = ".jsonl"
	fsKeyExt  = ".key"
)

// fsStore keeps one JSON Lines file per stream under root. Stream keys are
// arbitrary text (canonical JSON descriptors), so files are named by the
// SHA-256 of the key; a sidecar .key file preserves the original key so
// Keys and Rename survive restarts.
type fsStore struct {
	root string

	// mu serializes all mutations. Streams are small and appends are rare
	// per stream; a single lock keeps rename/append/delete interleavings
	// simple. Multi-process deployments need the postgres or redis driver.
	mu sync.Mutex
}

// NewFS returns a filesystem store rooted at dir, creating it if needed.
func NewFS(dir string) (Store, error) {
	if dir == "" {
		return nil, fmt.Errorf("%w: fs driver requires a path", ErrStorage)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: create root: %v", ErrStorage, err)
	}
	return &fsStore{root: dir}, nil
}

func fsName(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

func (f *fsStore) dataPath(key string) string {
	return filepath.Join(f.root, fsName(key)+fsDataExt)
}

func (f *fsStore) keyPath(key string) string {
	return filepath.Join(f.root, fsName(key)+fsKeyExt)
}

func (f *fsStore) Create(_ context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, err := os.Stat(f.dataPath(key)); err == nil {
		return nil
	}
	if err := os.WriteFile(f.keyPath(key), []byte(key), 0o644); err != nil {
		return fmt.Errorf("%w: write key sidecar: %v", ErrStorage, err)
	}
	file, err := os.OpenFile(f.dataPath(key), os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("%w: create stream: %v", ErrStorage, err)
	}
	return file.Close()
}

func (f *fsStore) Append(_ context.Context, key string, doc []byte) error {
	if bytes.ContainsRune(doc, '\n') {
		return fmt.Errorf("%w: document contains newline, breaks line framing", ErrStorage)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, err := os.Stat(f.dataPath(key)); err != nil {
		return fmt.Errorf("append %q: %w", key, ErrNotFound)
	}
	file, err := os.OpenFile(f.dataPath(key), os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("%w: open stream: %v", ErrStorage, err)
	}
	defer file.Close()
	if _, err := file.Write(append(doc, '\n')); err != nil {
		return fmt.Errorf("%w: append: %v", ErrStorage, err)
	}
	return nil
}

func (f *fsStore) Read(_ context.Context, key string) ([][]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.readLocked(key)
}

func (f *fsStore) readLocked(key string) ([][]byte, error) {
	raw, err := os.ReadFile(f.dataPath(key))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("read %q: %w", key, ErrNotFound)
		}
		return nil, fmt.Errorf("%w: read stream: %v", ErrStorage, err)
	}
	var docs [][]byte
	for _, line := range bytes.Split(raw, []byte{'\n'}) {
		if len(line) == 0 {
			continue
		}
		docs = append(docs, line)
	}
	return docs, nil
}

func (f *fsStore) Last(_ context.Context, key string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	docs, err := f.readLocked(key)
	if err != nil {
		return nil, err
	}
	if len(docs) == 0 {
		return nil, fmt.Errorf("last %q: %w", key, ErrNotFound)
	}
	return docs[len(docs)-1], nil
}

func (f *fsStore) Rename(_ context.Context, oldKey, newKey string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, err := os.Stat(f.dataPath(oldKey)); err != nil {
		return fmt.Errorf("rename %q: %w", oldKey, ErrNotFound)
	}
	if oldKey == newKey {
		return nil
	}
	// os.Rename replaces an existing target; content-addressed collisions
	// carry identical payloads, so last-writer-wins is safe.
	if err := os.WriteFile(f.keyPath(newKey), []byte(newKey), 0o644); err != nil {
		return fmt.Errorf("%w: write key sidecar: %v", ErrStorage, err)
	}
	if err := os.Rename(f.dataPath(oldKey), f.dataPath(newKey)); err != nil {
		return fmt.Errorf("%w: rename stream: %v", ErrStorage, err)
	}
	if err := os.Remove(f.keyPath(oldKey)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%w: remove key sidecar: %v", ErrStorage, err)
	}
	return nil
}

func (f *fsStore) Delete(_ context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := os.Remove(f.dataPath(key)); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("delete %q: %w", key, ErrNotFound)
		}
		return fmt.Errorf("%w: delete stream: %v", ErrStorage, err)
	}
	if err := os.Remove(f.keyPath(key)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%w: remove key sidecar: %v", ErrStorage, err)
	}
	return nil
}

func (f *fsStore) Exists(_ context.Context, key string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, err := os.Stat(f.dataPath(key)); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("%w: stat stream: %v", ErrStorage, err)
	}
	return true, nil
}

func (f *fsStore) Keys(_ context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	entries, err := os.ReadDir(f.root)
	if err != nil {
		return nil, fmt.Errorf("%w: list root: %v", ErrStorage, err)
	}
	var keys []string
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), fsKeyExt) {
			continue
		}
		raw, err := os.ReadFile(filepath.Join(f.root, entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("%w: read key sidecar: %v", ErrStorage, err)
		}
		keys = append(keys, string(raw))
	}
	return keys, nil
}

func (f *fsStore) Close() error { return nil }
