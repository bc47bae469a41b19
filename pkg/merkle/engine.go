package merkle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/quillstream/quillstream/pkg/canonical"
	"github.com/quillstream/quillstream/pkg/storage"
)

// Engine appends hash-chained items to session streams.
//
// The engine itself does not serialize callers: concurrent appends to the
// same session race on the predecessor hash. Route per-session traffic
// through AsyncEngine, which serializes operations per session key.
type Engine struct {
	store  storage.Store
	logger *slog.Logger
	now    func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the engine logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

// WithClock overrides the timestamp source. Tests use it to pin item
// timestamps.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// New returns an engine writing to store.
func New(store storage.Store, opts ...Option) *Engine {
	e := &Engine{
		store:  store,
		logger: slog.Default().With("component", "merkle"),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Store exposes the underlying stream store.
func (e *Engine) Store() storage.Store {
	return e.store
}

func (e *Engine) timestamp() string {
	return e.now().UTC().Format(timestampLayout)
}

// Start opens the session stream for a descriptor and returns its key.
// Starting an existing session is a no-op with the same key.
func (e *Engine) Start(ctx context.Context, descriptor map[string][]string) (string, error) {
	key, err := SessionKey(descriptor)
	if err != nil {
		return "", err
	}
	if err := e.store.Create(ctx, key); err != nil {
		return "", fmt.Errorf("start session: %w", err)
	}
	return key, nil
}

// StartContinuation opens a session stream whose first item records that it
// continues an earlier, closed stream. The prior final hash becomes an extra
// child of the continue item, chaining the two streams together.
func (e *Engine) StartContinuation(ctx context.Context, descriptor map[string][]string, continuesHash string) (string, error) {
	key, err := e.Start(ctx, descriptor)
	if err != nil {
		return "", err
	}
	event := map[string]any{
		"type":      EventTypeContinue,
		"continues": continuesHash,
	}
	if _, err := e.Append(ctx, key, event, WithChildren(continuesHash)); err != nil {
		return "", fmt.Errorf("continuation item: %w", err)
	}
	return key, nil
}

type appendOptions struct {
	children []string
	label    string
}

// AppendOption configures one Append call.
type AppendOption func(*appendOptions)

// WithChildren adds extra child hashes to the item, linking it to content
// beyond its own event and predecessor.
func WithChildren(hashes ...string) AppendOption {
	return func(o *appendOptions) { o.children = append(o.children, hashes...) }
}

// WithLabel attaches a human-readable label to the item.
func WithLabel(label string) AppendOption {
	return func(o *appendOptions) { o.label = label }
}

// Append hash-chains one event onto a session stream and returns the stored
// item. Returns storage.ErrNotFound if the session was never started.
func (e *Engine) Append(ctx context.Context, sessionKey string, event any, opts ...AppendOption) (Item, error) {
	var o appendOptions
	for _, opt := range opts {
		opt(&o)
	}

	eventHash, err := canonical.HashEvent(event)
	if err != nil {
		return Item{}, fmt.Errorf("hash event: %w", err)
	}

	children := make([]string, 0, len(o.children)+2)
	children = append(children, o.children...)
	children = append(children, eventHash)

	lastRaw, err := e.store.Last(ctx, sessionKey)
	switch {
	case err == nil:
		var last Item
		if uerr := json.Unmarshal(lastRaw, &last); uerr != nil {
			return Item{}, fmt.Errorf("%w: undecodable predecessor item: %v", ErrIntegrity, uerr)
		}
		children = append(children, last.Hash)
	case errors.Is(err, storage.ErrNotFound):
		// First item of the stream, or the stream does not exist at all.
		// The distinction surfaces below when storage rejects the append.
	default:
		return Item{}, fmt.Errorf("load predecessor: %w", err)
	}

	item := Item{
		Children:  children,
		Timestamp: e.timestamp(),
		Event:     event,
		Label:     o.label,
	}
	item.Hash, err = item.computeHash()
	if err != nil {
		return Item{}, fmt.Errorf("hash item: %w", err)
	}

	doc, err := canonical.Encode(item)
	if err != nil {
		return Item{}, fmt.Errorf("encode item: %w", err)
	}
	if err := e.store.Append(ctx, sessionKey, doc); err != nil {
		return Item{}, fmt.Errorf("append item: %w", err)
	}
	return item, nil
}

type closeOptions struct {
	logicalBreak bool
}

// CloseOption configures one Close call.
type CloseOption func(*closeOptions)

// WithLogicalBreak marks the close as a mid-session checkpoint: the stream
// is still renamed to its final hash, but parent streams are not notified.
// A continuation stream is expected to follow.
func WithLogicalBreak() CloseOption {
	return func(o *closeOptions) { o.logicalBreak = true }
}

// Close finishes a session: the stream is renamed to its final item's node
// hash, making it content-addressed, and each recognized single-category
// parent stream receives a child-finished notification. Returns
// storage.ErrNotFound for an unknown or empty session.
//
// The rename commits before parents are notified; a propagation failure
// leaves the stream already addressed by its final hash.
func (e *Engine) Close(ctx context.Context, sessionKey string, opts ...CloseOption) (string, error) {
	var o closeOptions
	for _, opt := range opts {
		opt(&o)
	}

	lastRaw, err := e.store.Last(ctx, sessionKey)
	if err != nil {
		return "", fmt.Errorf("close session: %w", err)
	}
	var last Item
	if err := json.Unmarshal(lastRaw, &last); err != nil {
		return "", fmt.Errorf("%w: undecodable final item: %v", ErrIntegrity, err)
	}
	finalHash := last.Hash

	if err := e.store.Rename(ctx, sessionKey, finalHash); err != nil {
		return "", fmt.Errorf("seal stream: %w", err)
	}

	if !o.logicalBreak {
		if err := e.notifyParents(ctx, sessionKey, finalHash); err != nil {
			return "", fmt.Errorf("notify parents: %w", err)
		}
	}
	return finalHash, nil
}

// notifyParents appends a child-finished item to the stream of every
// recognized single-value category in the closed session's descriptor.
// Parent streams are created on first use.
func (e *Engine) notifyParents(ctx context.Context, sessionKey, finalHash string) error {
	var descriptor map[string][]string
	if err := json.Unmarshal([]byte(sessionKey), &descriptor); err != nil {
		// Not a descriptor-addressed stream; nothing to notify.
		e.logger.Debug("Closed stream has no descriptor key, skipping parent notification",
			"stream", sessionKey)
		return nil
	}

	for _, category := range categories {
		values, ok := descriptor[category]
		if !ok || len(values) != 1 {
			continue
		}
		parent := map[string][]string{category: values}
		parentKey, err := SessionKey(parent)
		if err != nil {
			return err
		}
		if parentKey == sessionKey {
			// A parent stream closing does not notify itself.
			continue
		}
		if err := e.store.Create(ctx, parentKey); err != nil {
			return err
		}
		event := map[string]any{
			"type":          EventTypeChildFinished,
			"child_hash":    finalHash,
			"child_session": sessionKey,
		}
		label := category + ":" + values[0]
		if _, err := e.Append(ctx, parentKey, event, WithChildren(finalHash), WithLabel(label)); err != nil {
			return err
		}
	}
	return nil
}

// Break checkpoints a live session: the stream closes with a logical break
// and a continuation stream opens under the same key, chained to the closed
// stream's final hash. Returns the continuation session key.
func (e *Engine) Break(ctx context.Context, sessionKey string) (string, error) {
	var descriptor map[string][]string
	if err := json.Unmarshal([]byte(sessionKey), &descriptor); err != nil {
		return "", fmt.Errorf("%w: session key is not a descriptor: %v", canonical.ErrInvalidInput, err)
	}

	finalHash, err := e.Close(ctx, sessionKey, WithLogicalBreak())
	if err != nil {
		return "", err
	}
	// The close renamed the old stream away, so the same descriptor key is
	// free for the continuation.
	return e.StartContinuation(ctx, descriptor, finalHash)
}

// VerifyChain walks a stream front-to-back and checks, for every item, that
// the recomputed event hash is among its children, that the predecessor's
// node hash is among its children, and that the stored node hash matches
// the recomputed one. The first violation is reported with its item index.
func (e *Engine) VerifyChain(ctx context.Context, streamKey string) error {
	docs, err := e.store.Read(ctx, streamKey)
	if err != nil {
		return fmt.Errorf("verify chain: %w", err)
	}

	var prevHash string
	for i, doc := range docs {
		var item Item
		if err := json.Unmarshal(doc, &item); err != nil {
			return fmt.Errorf("%w: item %d is not decodable: %v", ErrIntegrity, i, err)
		}

		eventHash, err := canonical.HashEvent(item.Event)
		if err != nil {
			return fmt.Errorf("%w: item %d event not hashable: %v", ErrIntegrity, i, err)
		}
		if !slices.Contains(item.Children, eventHash) {
			return fmt.Errorf("%w: item %d does not commit to its event", ErrIntegrity, i)
		}

		if i > 0 && !slices.Contains(item.Children, prevHash) {
			return fmt.Errorf("%w: item %d does not chain to its predecessor", ErrIntegrity, i)
		}

		nodeHash, err := item.computeHash()
		if err != nil {
			return fmt.Errorf("%w: item %d not hashable: %v", ErrIntegrity, i, err)
		}
		if nodeHash != item.Hash {
			return fmt.Errorf("%w: item %d stored hash does not match content", ErrIntegrity, i)
		}
		prevHash = item.Hash
	}
	return nil
}

// Items reads and decodes every item of a stream.
func (e *Engine) Items(ctx context.Context, streamKey string) ([]Item, error) {
	docs, err := e.store.Read(ctx, streamKey)
	if err != nil {
		return nil, err
	}
	items := make([]Item, len(docs))
	for i, doc := range docs {
		if err := json.Unmarshal(doc, &items[i]); err != nil {
			return nil, fmt.Errorf("%w: item %d is not decodable: %v", ErrIntegrity, i, err)
		}
	}
	return items, nil
}

// DeleteWithTombstone removes a stream but preserves its hash skeleton: a
// tombstone listing every node hash, the final hash, the item count, and
// the caller's reason is appended to the tombstone stream before the
// original stream is deleted. Content becomes unrecoverable while the
// chain's existence stays provable.
func (e *Engine) DeleteWithTombstone(ctx context.Context, streamKey, reason string) (Tombstone, error) {
	items, err := e.Items(ctx, streamKey)
	if err != nil {
		return Tombstone{}, fmt.Errorf("delete stream: %w", err)
	}

	hashes := make([]string, len(items))
	for i, item := range items {
		hashes[i] = item.Hash
	}
	var finalHash string
	if len(hashes) > 0 {
		finalHash = hashes[len(hashes)-1]
	}

	ts := Tombstone{
		Type:          EventTypeTombstone,
		DeletedStream: streamKey,
		FinalHash:     finalHash,
		ItemHashes:    hashes,
		ItemCount:     len(items),
		Reason:        reason,
		Timestamp:     e.timestamp(),
	}
	// The hash commits to every field except itself; omitempty keeps the
	// unset field out of the canonical form.
	ts.TombstoneHash, err = canonical.HashEvent(ts)
	if err != nil {
		return Tombstone{}, fmt.Errorf("hash tombstone: %w", err)
	}

	doc, err := canonical.Encode(ts)
	if err != nil {
		return Tombstone{}, fmt.Errorf("encode tombstone: %w", err)
	}

	tombKey := TombstoneKey(streamKey)
	if err := e.store.Create(ctx, tombKey); err != nil {
		return Tombstone{}, fmt.Errorf("create tombstone stream: %w", err)
	}
	if err := e.store.Append(ctx, tombKey, doc); err != nil {
		return Tombstone{}, fmt.Errorf("append tombstone: %w", err)
	}

	if err := e.store.Delete(ctx, streamKey); err != nil {
		return Tombstone{}, fmt.Errorf("delete stream: %w", err)
	}

	e.logger.Info("Stream deleted with tombstone",
		"stream", streamKey,
		"item_count", ts.ItemCount,
		"tombstone_hash", ts.TombstoneHash)
	return ts, nil
}
