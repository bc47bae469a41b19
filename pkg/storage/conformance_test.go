package storage_test

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quillstream/quillstream/pkg/storage"
)

// runStoreSuite exercises the Store contract against one backend. Every
// driver must pass it unchanged.
func runStoreSuite(t *testing.T, open func(t *testing.T) storage.Store) {
	ctx := context.Background()

	t.Run("create is idempotent", func(t *testing.T) {
		s := open(t)
		require.NoError(t, s.Create(ctx, "k1"))
		require.NoError(t, s.Create(ctx, "k1"))
		ok, err := s.Exists(ctx, "k1")
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("append preserves insertion order", func(t *testing.T) {
		s := open(t)
		require.NoError(t, s.Create(ctx, "k1"))
		for i := 0; i < 5; i++ {
			doc := []byte(fmt.Sprintf(`{"n":%d}`, i))
			require.NoError(t, s.Append(ctx, "k1", doc))
		}
		docs, err := s.Read(ctx, "k1")
		require.NoError(t, err)
		require.Len(t, docs, 5)
		for i, doc := range docs {
			assert.JSONEq(t, fmt.Sprintf(`{"n":%d}`, i), string(doc))
		}
	})

	t.Run("append to unknown stream fails", func(t *testing.T) {
		s := open(t)
		err := s.Append(ctx, "missing", []byte(`{}`))
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("read unknown stream fails", func(t *testing.T) {
		s := open(t)
		_, err := s.Read(ctx, "missing")
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("read empty stream returns no documents", func(t *testing.T) {
		s := open(t)
		require.NoError(t, s.Create(ctx, "empty"))
		docs, err := s.Read(ctx, "empty")
		require.NoError(t, err)
		assert.Empty(t, docs)
	})

	t.Run("last returns most recent document", func(t *testing.T) {
		s := open(t)
		require.NoError(t, s.Create(ctx, "k1"))
		require.NoError(t, s.Append(ctx, "k1", []byte(`{"n":1}`)))
		require.NoError(t, s.Append(ctx, "k1", []byte(`{"n":2}`)))
		last, err := s.Last(ctx, "k1")
		require.NoError(t, err)
		assert.JSONEq(t, `{"n":2}`, string(last))
	})

	t.Run("last on empty or unknown stream fails", func(t *testing.T) {
		s := open(t)
		require.NoError(t, s.Create(ctx, "empty"))
		_, err := s.Last(ctx, "empty")
		assert.ErrorIs(t, err, storage.ErrNotFound)
		_, err = s.Last(ctx, "missing")
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("rename preserves content and order", func(t *testing.T) {
		s := open(t)
		require.NoError(t, s.Create(ctx, "before"))
		require.NoError(t, s.Append(ctx, "before", []byte(`{"n":1}`)))
		require.NoError(t, s.Append(ctx, "before", []byte(`{"n":2}`)))

		require.NoError(t, s.Rename(ctx, "before", "after"))

		_, err := s.Read(ctx, "before")
		assert.ErrorIs(t, err, storage.ErrNotFound)

		docs, err := s.Read(ctx, "after")
		require.NoError(t, err)
		require.Len(t, docs, 2)
		assert.JSONEq(t, `{"n":1}`, string(docs[0]))
		assert.JSONEq(t, `{"n":2}`, string(docs[1]))
	})

	t.Run("rename onto existing key replaces it", func(t *testing.T) {
		s := open(t)
		require.NoError(t, s.Create(ctx, "src"))
		require.NoError(t, s.Append(ctx, "src", []byte(`{"from":"src"}`)))
		require.NoError(t, s.Create(ctx, "dst"))
		require.NoError(t, s.Append(ctx, "dst", []byte(`{"from":"dst"}`)))

		require.NoError(t, s.Rename(ctx, "src", "dst"))

		docs, err := s.Read(ctx, "dst")
		require.NoError(t, err)
		require.Len(t, docs, 1)
		assert.JSONEq(t, `{"from":"src"}`, string(docs[0]))
	})

	t.Run("rename unknown stream fails", func(t *testing.T) {
		s := open(t)
		err := s.Rename(ctx, "missing", "anywhere")
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("rename empty stream moves existence", func(t *testing.T) {
		s := open(t)
		require.NoError(t, s.Create(ctx, "empty"))
		require.NoError(t, s.Rename(ctx, "empty", "moved"))
		ok, err := s.Exists(ctx, "moved")
		require.NoError(t, err)
		assert.True(t, ok)
		ok, err = s.Exists(ctx, "empty")
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("delete removes stream", func(t *testing.T) {
		s := open(t)
		require.NoError(t, s.Create(ctx, "k1"))
		require.NoError(t, s.Append(ctx, "k1", []byte(`{}`)))
		require.NoError(t, s.Delete(ctx, "k1"))
		ok, err := s.Exists(ctx, "k1")
		require.NoError(t, err)
		assert.False(t, ok)
		assert.ErrorIs(t, s.Delete(ctx, "k1"), storage.ErrNotFound)
	})

	t.Run("keys lists all streams", func(t *testing.T) {
		s := open(t)
		require.NoError(t, s.Create(ctx, "a"))
		require.NoError(t, s.Create(ctx, "b"))
		require.NoError(t, s.Create(ctx, "c"))
		keys, err := s.Keys(ctx)
		require.NoError(t, err)
		assert.Subset(t, keys, []string{"a", "b", "c"})
	})

	t.Run("keys are arbitrary text", func(t *testing.T) {
		s := open(t)
		// Session keys are canonical JSON; they contain characters unsafe
		// for filenames and SQL identifiers.
		key := `{"student":["s/1"],"tool":["writing analytics"]}`
		require.NoError(t, s.Create(ctx, key))
		require.NoError(t, s.Append(ctx, key, []byte(`{"ok":true}`)))
		docs, err := s.Read(ctx, key)
		require.NoError(t, err)
		require.Len(t, docs, 1)
		keys, err := s.Keys(ctx)
		require.NoError(t, err)
		assert.Contains(t, keys, key)
	})
}
