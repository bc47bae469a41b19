package reducer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/quillstream/quillstream/pkg/storage"
)

// guestKeyPart stands in for the user segment of a reducer stream key when
// the connection never authenticated.
const guestKeyPart = "guest"

// EventCount keeps a running total of the events each user delivers. The
// count survives reconnects: the factory seeds from the last stored total.
func EventCount(store storage.Store) Definition {
	return Definition{
		Name: "event_count",
		Factory: func(ctx context.Context, meta Metadata) (Func, error) {
			user := meta.SafeUserID
			if user == "" {
				user = guestKeyPart
			}
			key := "reducer:event-count:" + user
			if err := store.Create(ctx, key); err != nil {
				return nil, err
			}

			var count int64
			last, err := store.Last(ctx, key)
			switch {
			case err == nil:
				var prev struct {
					Count int64 `json:"count"`
				}
				if uerr := json.Unmarshal(last, &prev); uerr == nil {
					count = prev.Count
				}
			case errors.Is(err, storage.ErrNotFound):
				// first connection for this user
			default:
				return nil, err
			}

			return func(ctx context.Context, event, scope map[string]any) error {
				count++
				doc, err := json.Marshal(map[string]any{
					"user":    user,
					"count":   count,
					"updated": time.Now().UTC().Format(time.RFC3339),
				})
				if err != nil {
					return fmt.Errorf("encode event count: %w", err)
				}
				return store.Append(ctx, key, doc)
			}, nil
		},
	}
}

// DocumentActivity records, per user and document, the client verb and
// time of the latest activity. Events without a doc_id are skipped by
// scope extraction.
func DocumentActivity(store storage.Store) Definition {
	return Definition{
		Name:  "document_activity",
		Scope: []string{"doc_id"},
		Factory: func(ctx context.Context, meta Metadata) (Func, error) {
			user := meta.SafeUserID
			if user == "" {
				user = guestKeyPart
			}
			return func(ctx context.Context, event, scope map[string]any) error {
				docID := fmt.Sprint(scope["doc_id"])
				key := "reducer:document-activity:" + user + ":" + docID
				if err := store.Create(ctx, key); err != nil {
					return err
				}
				client, _ := event["client"].(map[string]any)
				doc, err := json.Marshal(map[string]any{
					"user":    user,
					"doc_id":  docID,
					"event":   client["event"],
					"updated": time.Now().UTC().Format(time.RFC3339),
				})
				if err != nil {
					return fmt.Errorf("encode document activity: %w", err)
				}
				return store.Append(ctx, key, doc)
			}, nil
		},
	}
}
