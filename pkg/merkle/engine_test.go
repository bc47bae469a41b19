package merkle_test

import (
	"context"
	"encoding/json"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quillstream/quillstream/pkg/canonical"
	"github.com/quillstream/quillstream/pkg/merkle"
	"github.com/quillstream/quillstream/pkg/storage"
)

func newEngine(t *testing.T) (*merkle.Engine, storage.Store) {
	t.Helper()
	store := storage.NewMemory()
	return merkle.New(store), store
}

func TestSessionKey(t *testing.T) {
	t.Run("is canonical descriptor JSON", func(t *testing.T) {
		key, err := merkle.SessionKey(map[string][]string{"tool": {"writing"}, "student": {"s1"}})
		require.NoError(t, err)
		assert.Equal(t, `{"student":["s1"],"tool":["writing"]}`, key)
	})

	t.Run("rejects malformed descriptors", func(t *testing.T) {
		_, err := merkle.SessionKey(nil)
		assert.ErrorIs(t, err, canonical.ErrInvalidInput)

		_, err = merkle.SessionKey(map[string][]string{"student": {}})
		assert.ErrorIs(t, err, canonical.ErrInvalidInput)

		_, err = merkle.SessionKey(map[string][]string{"student": {""}})
		assert.ErrorIs(t, err, canonical.ErrInvalidInput)
	})
}

func TestParseSessionKey(t *testing.T) {
	t.Run("round-trips a canonical key", func(t *testing.T) {
		descriptor := map[string][]string{"student": {"s1"}, "tool": {"writing"}}
		key, err := merkle.SessionKey(descriptor)
		require.NoError(t, err)

		parsed, ok := merkle.ParseSessionKey(key)
		require.True(t, ok)
		assert.Equal(t, descriptor, parsed)
	})

	t.Run("rejects keys that are not descriptors", func(t *testing.T) {
		for _, key := range []string{
			"",
			"0a1b2c3d4e5f",
			merkle.TombstoneKey(`{"student":["s1"]}`),
			`{"student":"s1"}`,
			`{"student":[]}`,
			`{"tool":["writing"],"student":["s1"]}`, // non-canonical key order
			`{ "student": ["s1"] }`,                 // non-canonical spacing
		} {
			_, ok := merkle.ParseSessionKey(key)
			assert.False(t, ok, "key %q", key)
		}
	})
}

func TestEngineStart(t *testing.T) {
	ctx := context.Background()

	t.Run("creates the session stream", func(t *testing.T) {
		e, store := newEngine(t)
		key, err := e.Start(ctx, map[string][]string{"student": {"s1"}, "tool": {"writing"}})
		require.NoError(t, err)
		ok, err := store.Exists(ctx, key)
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("is idempotent", func(t *testing.T) {
		e, _ := newEngine(t)
		descriptor := map[string][]string{"student": {"s1"}}
		key1, err := e.Start(ctx, descriptor)
		require.NoError(t, err)
		_, err = e.Append(ctx, key1, map[string]any{"n": 1})
		require.NoError(t, err)

		key2, err := e.Start(ctx, descriptor)
		require.NoError(t, err)
		assert.Equal(t, key1, key2)

		items, err := e.Items(ctx, key1)
		require.NoError(t, err)
		assert.Len(t, items, 1)
	})
}

func TestEngineAppend(t *testing.T) {
	ctx := context.Background()

	t.Run("first item carries only the event hash", func(t *testing.T) {
		e, _ := newEngine(t)
		key, err := e.Start(ctx, map[string][]string{"student": {"s1"}})
		require.NoError(t, err)

		event := map[string]any{"type": "keystroke", "char": "a"}
		item, err := e.Append(ctx, key, event)
		require.NoError(t, err)

		eventHash, err := canonical.HashEvent(event)
		require.NoError(t, err)
		assert.Equal(t, []string{eventHash}, item.Children)
		assert.NotEmpty(t, item.Hash)
		assert.NotEmpty(t, item.Timestamp)
	})

	t.Run("later items chain to their predecessor", func(t *testing.T) {
		e, _ := newEngine(t)
		key, err := e.Start(ctx, map[string][]string{"student": {"s1"}})
		require.NoError(t, err)

		first, err := e.Append(ctx, key, map[string]any{"n": 1})
		require.NoError(t, err)
		second, err := e.Append(ctx, key, map[string]any{"n": 2})
		require.NoError(t, err)

		assert.Contains(t, second.Children, first.Hash)
	})

	t.Run("extra children and label are recorded", func(t *testing.T) {
		e, _ := newEngine(t)
		key, err := e.Start(ctx, map[string][]string{"student": {"s1"}})
		require.NoError(t, err)

		extra, err := canonical.HashEvent(map[string]any{"elsewhere": true})
		require.NoError(t, err)
		item, err := e.Append(ctx, key, map[string]any{"n": 1},
			merkle.WithChildren(extra), merkle.WithLabel("student:s1"))
		require.NoError(t, err)

		assert.Contains(t, item.Children, extra)
		assert.Equal(t, "student:s1", item.Label)
	})

	t.Run("rejects extra children containing tab", func(t *testing.T) {
		e, _ := newEngine(t)
		key, err := e.Start(ctx, map[string][]string{"student": {"s1"}})
		require.NoError(t, err)

		_, err = e.Append(ctx, key, map[string]any{"n": 1}, merkle.WithChildren("bad\tchild"))
		assert.ErrorIs(t, err, canonical.ErrInvalidInput)
	})

	t.Run("append to unknown session fails", func(t *testing.T) {
		e, _ := newEngine(t)
		_, err := e.Append(ctx, "never-started", map[string]any{"n": 1})
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("node hash covers sorted children plus timestamp", func(t *testing.T) {
		e, _ := newEngine(t)
		key, err := e.Start(ctx, map[string][]string{"student": {"s1"}})
		require.NoError(t, err)

		item, err := e.Append(ctx, key, map[string]any{"n": 1})
		require.NoError(t, err)

		want, err := canonical.HashStrings(append(sortedCopy(item.Children), item.Timestamp)...)
		require.NoError(t, err)
		assert.Equal(t, want, item.Hash)
	})
}

func sortedCopy(in []string) []string {
	out := make([]string, len(in))
	copy(out, in)
	sort.Strings(out)
	return out
}

func TestEngineClose(t *testing.T) {
	ctx := context.Background()

	t.Run("renames stream to final hash", func(t *testing.T) {
		e, store := newEngine(t)
		key, err := e.Start(ctx, map[string][]string{"student": {"s1"}, "tool": {"writing"}})
		require.NoError(t, err)

		_, err = e.Append(ctx, key, map[string]any{"n": 1})
		require.NoError(t, err)
		last, err := e.Append(ctx, key, map[string]any{"n": 2})
		require.NoError(t, err)

		finalHash, err := e.Close(ctx, key)
		require.NoError(t, err)
		assert.Equal(t, last.Hash, finalHash)

		ok, err := store.Exists(ctx, key)
		require.NoError(t, err)
		assert.False(t, ok)

		items, err := e.Items(ctx, finalHash)
		require.NoError(t, err)
		assert.Len(t, items, 2)
	})

	t.Run("closing empty or unknown session fails", func(t *testing.T) {
		e, _ := newEngine(t)
		key, err := e.Start(ctx, map[string][]string{"student": {"s1"}})
		require.NoError(t, err)

		_, err = e.Close(ctx, key)
		assert.ErrorIs(t, err, storage.ErrNotFound)

		_, err = e.Close(ctx, "never-started")
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("sealed stream still verifies", func(t *testing.T) {
		e, _ := newEngine(t)
		key, err := e.Start(ctx, map[string][]string{"student": {"s1"}, "tool": {"writing"}})
		require.NoError(t, err)
		for i := 0; i < 3; i++ {
			_, err = e.Append(ctx, key, map[string]any{"n": i})
			require.NoError(t, err)
		}
		finalHash, err := e.Close(ctx, key)
		require.NoError(t, err)
		assert.NoError(t, e.VerifyChain(ctx, finalHash))
	})
}

func TestParentPropagation(t *testing.T) {
	ctx := context.Background()

	t.Run("close notifies each single-value category parent", func(t *testing.T) {
		e, _ := newEngine(t)
		descriptor := map[string][]string{"student": {"s1"}, "tool": {"writing"}}
		key, err := e.Start(ctx, descriptor)
		require.NoError(t, err)
		_, err = e.Append(ctx, key, map[string]any{"n": 1})
		require.NoError(t, err)

		finalHash, err := e.Close(ctx, key)
		require.NoError(t, err)

		for category, value := range map[string]string{"student": "s1", "tool": "writing"} {
			parentKey, err := merkle.SessionKey(map[string][]string{category: {value}})
			require.NoError(t, err)

			items, err := e.Items(ctx, parentKey)
			require.NoError(t, err)
			require.Len(t, items, 1, "parent %s", category)

			event, ok := items[0].Event.(map[string]any)
			require.True(t, ok)
			assert.Equal(t, merkle.EventTypeChildFinished, event["type"])
			assert.Equal(t, finalHash, event["child_hash"])
			assert.Equal(t, key, event["child_session"])
			assert.Equal(t, category+":"+value, items[0].Label)
			assert.Contains(t, items[0].Children, finalHash)

			assert.NoError(t, e.VerifyChain(ctx, parentKey))
		}
	})

	t.Run("logical break does not notify parents", func(t *testing.T) {
		e, store := newEngine(t)
		key, err := e.Start(ctx, map[string][]string{"student": {"s1"}, "tool": {"writing"}})
		require.NoError(t, err)
		_, err = e.Append(ctx, key, map[string]any{"n": 1})
		require.NoError(t, err)

		_, err = e.Close(ctx, key, merkle.WithLogicalBreak())
		require.NoError(t, err)

		parentKey, err := merkle.SessionKey(map[string][]string{"student": {"s1"}})
		require.NoError(t, err)
		ok, err := store.Exists(ctx, parentKey)
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("multi-value and unrecognized categories are skipped", func(t *testing.T) {
		e, store := newEngine(t)
		key, err := e.Start(ctx, map[string][]string{
			"student": {"s1", "s2"},
			"cohort":  {"spring"},
			"tool":    {"writing"},
		})
		require.NoError(t, err)
		_, err = e.Append(ctx, key, map[string]any{"n": 1})
		require.NoError(t, err)
		_, err = e.Close(ctx, key)
		require.NoError(t, err)

		for _, parent := range []map[string][]string{
			{"student": {"s1"}},
			{"cohort": {"spring"}},
		} {
			parentKey, err := merkle.SessionKey(parent)
			require.NoError(t, err)
			ok, err := store.Exists(ctx, parentKey)
			require.NoError(t, err)
			assert.False(t, ok)
		}

		toolKey, err := merkle.SessionKey(map[string][]string{"tool": {"writing"}})
		require.NoError(t, err)
		items, err := e.Items(ctx, toolKey)
		require.NoError(t, err)
		assert.Len(t, items, 1)
	})

	t.Run("single-category session does not notify itself", func(t *testing.T) {
		e, store := newEngine(t)
		key, err := e.Start(ctx, map[string][]string{"student": {"s1"}})
		require.NoError(t, err)
		_, err = e.Append(ctx, key, map[string]any{"n": 1})
		require.NoError(t, err)
		_, err = e.Close(ctx, key)
		require.NoError(t, err)

		// The descriptor key was renamed away and must not reappear.
		ok, err := store.Exists(ctx, key)
		require.NoError(t, err)
		assert.False(t, ok)
	})
}

func TestEngineBreak(t *testing.T) {
	ctx := context.Background()

	t.Run("continuation chains to the closed stream", func(t *testing.T) {
		e, _ := newEngine(t)
		descriptor := map[string][]string{"student": {"s1"}, "tool": {"writing"}}
		key, err := e.Start(ctx, descriptor)
		require.NoError(t, err)

		_, err = e.Append(ctx, key, map[string]any{"n": 1})
		require.NoError(t, err)
		beforeBreak, err := e.Append(ctx, key, map[string]any{"n": 2})
		require.NoError(t, err)

		newKey, err := e.Break(ctx, key)
		require.NoError(t, err)
		assert.Equal(t, key, newKey, "same descriptor, same key")

		items, err := e.Items(ctx, newKey)
		require.NoError(t, err)
		require.Len(t, items, 1)

		event, ok := items[0].Event.(map[string]any)
		require.True(t, ok)
		assert.Equal(t, merkle.EventTypeContinue, event["type"])
		assert.Equal(t, beforeBreak.Hash, event["continues"])
		assert.Contains(t, items[0].Children, beforeBreak.Hash)

		// Both the sealed prefix and the live continuation verify.
		assert.NoError(t, e.VerifyChain(ctx, beforeBreak.Hash))
		assert.NoError(t, e.VerifyChain(ctx, newKey))

		// Life goes on in the continuation.
		_, err = e.Append(ctx, newKey, map[string]any{"n": 3})
		require.NoError(t, err)
		finalHash, err := e.Close(ctx, newKey)
		require.NoError(t, err)
		assert.NoError(t, e.VerifyChain(ctx, finalHash))
	})

	t.Run("break of empty session fails", func(t *testing.T) {
		e, _ := newEngine(t)
		key, err := e.Start(ctx, map[string][]string{"student": {"s1"}})
		require.NoError(t, err)
		_, err = e.Break(ctx, key)
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})
}

func TestVerifyChain(t *testing.T) {
	ctx := context.Background()

	t.Run("accepts engine-produced streams", func(t *testing.T) {
		e, _ := newEngine(t)
		key, err := e.Start(ctx, map[string][]string{"student": {"s1"}})
		require.NoError(t, err)
		for i := 0; i < 10; i++ {
			_, err = e.Append(ctx, key, map[string]any{"n": i, "payload": "text"})
			require.NoError(t, err)
		}
		assert.NoError(t, e.VerifyChain(ctx, key))
	})

	t.Run("unknown stream is not an integrity error", func(t *testing.T) {
		e, _ := newEngine(t)
		err := e.VerifyChain(ctx, "missing")
		assert.ErrorIs(t, err, storage.ErrNotFound)
		assert.NotErrorIs(t, err, merkle.ErrIntegrity)
	})

	t.Run("detects a tampered event", func(t *testing.T) {
		e, store := newEngine(t)
		tampered := tamperStream(t, ctx, e, store, func(item map[string]any) {
			item["event"] = map[string]any{"n": float64(99), "forged": true}
		})
		err := e.VerifyChain(ctx, tampered)
		require.ErrorIs(t, err, merkle.ErrIntegrity)
		assert.Contains(t, err.Error(), "item 1")
	})

	t.Run("detects a tampered node hash", func(t *testing.T) {
		e, store := newEngine(t)
		tampered := tamperStream(t, ctx, e, store, func(item map[string]any) {
			item["hash"] = "0000000000000000000000000000000000000000000000000000000000000000"
		})
		err := e.VerifyChain(ctx, tampered)
		require.ErrorIs(t, err, merkle.ErrIntegrity)
		assert.Contains(t, err.Error(), "item 1")
	})

	t.Run("detects a broken predecessor link", func(t *testing.T) {
		e, store := newEngine(t)
		tampered := tamperStream(t, ctx, e, store, func(item map[string]any) {
			// Keep only the event hash child: the chain link disappears but
			// the node hash is recomputed to match, so only the link check
			// can catch it.
			children := item["children"].([]any)
			eventHash := children[0].(string)
			item["children"] = []any{eventHash}
			rehashed, err := canonical.HashStrings(eventHash, item["timestamp"].(string))
			require.NoError(t, err)
			item["hash"] = rehashed
		})
		err := e.VerifyChain(ctx, tampered)
		require.ErrorIs(t, err, merkle.ErrIntegrity)
		assert.Contains(t, err.Error(), "item 1")
		assert.Contains(t, err.Error(), "predecessor")
	})
}

// tamperStream builds a valid three-item stream, mutates item 1 with f, and
// writes the result to a fresh stream for verification.
func tamperStream(t *testing.T, ctx context.Context, e *merkle.Engine, store storage.Store, f func(item map[string]any)) string {
	t.Helper()

	key, err := e.Start(ctx, map[string][]string{"student": {"s1"}})
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		_, err = e.Append(ctx, key, map[string]any{"n": i})
		require.NoError(t, err)
	}

	docs, err := store.Read(ctx, key)
	require.NoError(t, err)

	const tampered = "tampered"
	require.NoError(t, store.Create(ctx, tampered))
	for i, doc := range docs {
		if i == 1 {
			var item map[string]any
			require.NoError(t, json.Unmarshal(doc, &item))
			f(item)
			doc, err = json.Marshal(item)
			require.NoError(t, err)
		}
		require.NoError(t, store.Append(ctx, tampered, doc))
	}
	return tampered
}

func TestDeleteWithTombstone(t *testing.T) {
	ctx := context.Background()

	t.Run("tombstone preserves the hash skeleton", func(t *testing.T) {
		e, store := newEngine(t)
		key, err := e.Start(ctx, map[string][]string{"student": {"s1"}})
		require.NoError(t, err)

		var hashes []string
		for i := 0; i < 3; i++ {
			item, err := e.Append(ctx, key, map[string]any{"n": i})
			require.NoError(t, err)
			hashes = append(hashes, item.Hash)
		}

		ts, err := e.DeleteWithTombstone(ctx, key, "student data request")
		require.NoError(t, err)

		assert.Equal(t, merkle.EventTypeTombstone, ts.Type)
		assert.Equal(t, key, ts.DeletedStream)
		assert.Equal(t, hashes, ts.ItemHashes)
		assert.Equal(t, hashes[2], ts.FinalHash)
		assert.Equal(t, 3, ts.ItemCount)
		assert.Equal(t, "student data request", ts.Reason)
		assert.NotEmpty(t, ts.Timestamp)

		// The hash commits to the tombstone without its own hash field.
		unhashed := ts
		unhashed.TombstoneHash = ""
		want, err := canonical.HashEvent(unhashed)
		require.NoError(t, err)
		assert.Equal(t, want, ts.TombstoneHash)

		// Original stream is gone; tombstone stream holds one document.
		ok, err := store.Exists(ctx, key)
		require.NoError(t, err)
		assert.False(t, ok)

		docs, err := store.Read(ctx, merkle.TombstoneKey(key))
		require.NoError(t, err)
		require.Len(t, docs, 1)

		var stored merkle.Tombstone
		require.NoError(t, json.Unmarshal(docs[0], &stored))
		assert.Equal(t, ts, stored)
	})

	t.Run("deleting an unknown stream fails", func(t *testing.T) {
		e, _ := newEngine(t)
		_, err := e.DeleteWithTombstone(ctx, "missing", "any reason")
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})
}

func TestEngineClock(t *testing.T) {
	t.Run("timestamps come from the injected clock", func(t *testing.T) {
		fixed := time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)
		store := storage.NewMemory()
		e := merkle.New(store, merkle.WithClock(func() time.Time { return fixed }))

		ctx := context.Background()
		key, err := e.Start(ctx, map[string][]string{"student": {"s1"}})
		require.NoError(t, err)
		item, err := e.Append(ctx, key, map[string]any{"n": 1})
		require.NoError(t, err)
		assert.Equal(t, "2026-03-14T09:26:53Z", item.Timestamp)
	})
}
