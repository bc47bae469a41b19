// Package cleanup provides the periodic session checkpoint service.
package cleanup

import (
	"context"
	"encoding/json"
	"log/slog"
	"slices"
	"time"

	"github.com/quillstream/quillstream/pkg/config"
	"github.com/quillstream/quillstream/pkg/merkle"
	"github.com/quillstream/quillstream/pkg/storage"
)

// Service periodically breaks long-lived open sessions: each pass seals the
// session's current chain under its final hash and reopens a continuation
// stream under the same key. That bounds chain length and leaves verifiable
// audit checkpoints without interrupting writers.
//
// All operations are idempotent; a session already checkpointed and idle
// since is skipped.
type Service struct {
	config config.CheckpointConfig
	store  storage.Store
	engine *merkle.AsyncEngine

	cancel context.CancelFunc
	done   chan struct{}
}

// NewService creates a new checkpoint service.
func NewService(cfg config.CheckpointConfig, store storage.Store, engine *merkle.AsyncEngine) *Service {
	return &Service{
		config: cfg,
		store:  store,
		engine: engine,
	}
}

// Start launches the background checkpoint loop.
func (s *Service) Start(ctx context.Context) {
	if s.cancel != nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})

	go s.run(ctx)

	slog.Info("Checkpoint service started",
		"interval", s.config.Interval)
}

// Stop signals the checkpoint loop to exit and waits for it to finish.
func (s *Service) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	slog.Info("Checkpoint service stopped")
}

func (s *Service) run(ctx context.Context) {
	defer close(s.done)

	s.checkpointAll(ctx)

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.checkpointAll(ctx)
		}
	}
}

// checkpointAll breaks every open session stream that grew since its last
// checkpoint. Break routes through the session's queue worker, so it never
// races a live connection's appends.
func (s *Service) checkpointAll(ctx context.Context) {
	keys, err := s.store.Keys(ctx)
	if err != nil {
		slog.Error("Checkpoint: listing streams failed", "error", err)
		return
	}

	broken := 0
	for _, key := range keys {
		if ctx.Err() != nil {
			return
		}
		if !s.eligible(ctx, key) {
			continue
		}

		res := <-s.engine.Break(ctx, key)
		if res.Err != nil {
			slog.Warn("Checkpoint: session break failed",
				"session_key", key,
				"error", res.Err)
			continue
		}
		broken++
	}

	if broken > 0 {
		slog.Info("Checkpoint: sessions broken", "count", broken)
	}
}

// eligible reports whether a stream key names an open session worth
// breaking. Closed streams (hash keys), tombstones, parent category streams,
// empty streams, and sessions idle since their last checkpoint are all
// skipped.
func (s *Service) eligible(ctx context.Context, key string) bool {
	descriptor, ok := merkle.ParseSessionKey(key)
	if !ok || isParentKey(descriptor) {
		return false
	}

	raw, err := s.store.Last(ctx, key)
	if err != nil {
		// Never-written or concurrently sealed streams have no checkpoint
		// to take.
		return false
	}

	var last merkle.Item
	if err := json.Unmarshal(raw, &last); err != nil {
		slog.Warn("Checkpoint: unreadable last item", "session_key", key, "error", err)
		return false
	}

	// A stream ending in its continuation marker gained nothing since the
	// previous break; another checkpoint would only chain empty streams.
	if event, ok := last.Event.(map[string]any); ok {
		if event["type"] == merkle.EventTypeContinue {
			return false
		}
	}

	return true
}

// isParentKey reports whether the descriptor addresses a parent category
// stream rather than a session: exactly one recognized category with one
// value. Parent streams collect child_session_finished items from many
// sessions at once, so their appends do not funnel through a single session
// worker and a break could race them.
func isParentKey(descriptor map[string][]string) bool {
	if len(descriptor) != 1 {
		return false
	}
	for category, values := range descriptor {
		if len(values) == 1 && slices.Contains(merkle.Categories(), category) {
			return true
		}
	}
	return false
}
