package storage_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/quillstream/quillstream/pkg/storage"
)

func TestSQLiteStore(t *testing.T) {
	runStoreSuite(t, func(t *testing.T) storage.Store {
		s, err := storage.NewSQLite(context.Background(), filepath.Join(t.TempDir(), "streams.db"))
		require.NoError(t, err)
		t.Cleanup(func() { _ = s.Close() })
		return s
	})
}

func TestSQLiteStorePersistence(t *testing.T) {
	ctx := context.Background()

	t.Run("streams survive reopen", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "streams.db")
		key := `{"student":["s1"]}`

		s, err := storage.NewSQLite(ctx, path)
		require.NoError(t, err)
		require.NoError(t, s.Create(ctx, key))
		require.NoError(t, s.Append(ctx, key, []byte(`{"n":1}`)))
		require.NoError(t, s.Close())

		reopened, err := storage.NewSQLite(ctx, path)
		require.NoError(t, err)
		defer func() { _ = reopened.Close() }()

		docs, err := reopened.Read(ctx, key)
		require.NoError(t, err)
		require.Len(t, docs, 1)
	})
}
