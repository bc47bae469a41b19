// Package merkle implements content-addressed, append-only session event
// streams. Every appended item is hash-chained to its predecessor; closing a
// session renames its stream to the final content hash, so a finished stream
// is addressed by what it contains. Chains verify front-to-back, deletion
// leaves a tombstone, and finished child sessions notify their recognized
// parent category streams.
package merkle

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/quillstream/quillstream/pkg/canonical"
)

var (
	// ErrIntegrity is returned when chain verification fails.
	ErrIntegrity = errors.New("chain integrity violation")
)

// Event types the engine itself writes.
const (
	// EventTypeContinue opens a continuation stream after a session break.
	EventTypeContinue = "continue"

	// EventTypeChildFinished notifies a parent category stream that one of
	// its child sessions closed.
	EventTypeChildFinished = "child_session_finished"

	// EventTypeTombstone marks deleted stream remains.
	EventTypeTombstone = "tombstone"
)

// tombstonePrefix addresses the stream holding a deleted stream's tombstone.
const tombstonePrefix = "__tombstone__"

// categories are the descriptor keys recognized for parent propagation,
// in notification order.
var categories = []string{
	"teacher",
	"student",
	"school",
	"classroom",
	"course",
	"assignment",
	"tool",
}

// Categories returns the descriptor keys recognized for parent propagation.
func Categories() []string {
	out := make([]string, len(categories))
	copy(out, categories)
	return out
}

// Item is one node of a session chain.
//
// Children carries, in assembly order: any caller-supplied extra hashes, the
// hash of Event, and (for every item after the first) the predecessor's node
// hash. The node hash commits to the sorted children plus the timestamp.
type Item struct {
	Children  []string `json:"children"`
	Hash      string   `json:"hash"`
	Timestamp string   `json:"timestamp"`
	Event     any      `json:"event"`
	Label     string   `json:"label,omitempty"`
}

// computeHash returns the node hash for the item's current children and
// timestamp. Children order does not matter; the input is sorted.
func (it Item) computeHash() (string, error) {
	sorted := make([]string, len(it.Children))
	copy(sorted, it.Children)
	sort.Strings(sorted)
	return canonical.HashStrings(append(sorted, it.Timestamp)...)
}

// Tombstone records what remains after a stream deletion: the chain's
// hashes survive, the payloads do not. Its own hash commits to every field
// except TombstoneHash itself.
type Tombstone struct {
	Type          string   `json:"type"`
	DeletedStream string   `json:"deleted_stream"`
	FinalHash     string   `json:"final_hash"`
	ItemHashes    []string `json:"item_hashes"`
	ItemCount     int      `json:"item_count"`
	Reason        string   `json:"reason"`
	Timestamp     string   `json:"timestamp"`
	TombstoneHash string   `json:"tombstone_hash,omitempty"`
}

// TombstoneKey returns the stream key holding the tombstone for a deleted
// stream.
func TombstoneKey(streamKey string) string {
	return tombstonePrefix + streamKey
}

// IsTombstoneKey reports whether key addresses a tombstone stream.
func IsTombstoneKey(key string) bool {
	return strings.HasPrefix(key, tombstonePrefix)
}

// SessionKey derives the stream key for a session descriptor: the canonical
// JSON of the descriptor. Two descriptors with the same categories and
// values always address the same stream.
func SessionKey(descriptor map[string][]string) (string, error) {
	if err := validateDescriptor(descriptor); err != nil {
		return "", err
	}
	return canonical.EncodeString(descriptor)
}

// ParseSessionKey inverts SessionKey. It returns the descriptor for an open
// descriptor-addressed stream key; keys produced any other way (final-hash
// renames, tombstone streams) do not parse.
func ParseSessionKey(key string) (map[string][]string, bool) {
	if len(key) == 0 || key[0] != '{' {
		return nil, false
	}
	var descriptor map[string][]string
	if err := json.Unmarshal([]byte(key), &descriptor); err != nil {
		return nil, false
	}
	// Only the exact canonical encoding addresses a stream.
	enc, err := SessionKey(descriptor)
	if err != nil || enc != key {
		return nil, false
	}
	return descriptor, true
}

func validateDescriptor(descriptor map[string][]string) error {
	if len(descriptor) == 0 {
		return fmt.Errorf("%w: empty session descriptor", canonical.ErrInvalidInput)
	}
	for category, values := range descriptor {
		if category == "" {
			return fmt.Errorf("%w: descriptor has empty category name", canonical.ErrInvalidInput)
		}
		if len(values) == 0 {
			return fmt.Errorf("%w: descriptor category %q has no values", canonical.ErrInvalidInput, category)
		}
		for _, v := range values {
			if v == "" {
				return fmt.Errorf("%w: descriptor category %q has an empty value", canonical.ErrInvalidInput, category)
			}
		}
	}
	return nil
}

// timestampLayout is UTC ISO-8601. The string is part of the node hash
// input, so the layout must never change for existing data.
const timestampLayout = time.RFC3339Nano
