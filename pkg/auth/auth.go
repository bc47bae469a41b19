// Package auth establishes the identity behind a websocket connection from
// the events it sends or the headers it arrived with.
package auth

import (
	"errors"
	"strings"
)

// ErrUnauthorized is returned when a connection's identity cannot be
// established or an operation requires one.
var ErrUnauthorized = errors.New("unauthorized")

// Identity describes an authenticated event source.
type Identity struct {
	UserID     string `json:"user_id"`
	SafeUserID string `json:"safe_user_id"`
	Email      string `json:"email,omitempty"`
	GoogleID   string `json:"google_id,omitempty"`

	// Provenance names the resolver that established the identity.
	Provenance string `json:"provenance"`
}

// Fields returns the identity as a flat map for rule matching.
func (id Identity) Fields() map[string]string {
	return map[string]string{
		"user_id":   id.UserID,
		"email":     id.Email,
		"google_id": id.GoogleID,
	}
}

// EventAuth returns the block attached to authenticated events. A fresh map
// per call: events own their auth block and may be mutated downstream.
func (id Identity) EventAuth() map[string]any {
	m := map[string]any{
		"user_id":      id.UserID,
		"safe_user_id": id.SafeUserID,
		"provenance":   id.Provenance,
	}
	if id.Email != "" {
		m["email"] = id.Email
	}
	if id.GoogleID != "" {
		m["google_id"] = id.GoogleID
	}
	return m
}

// SafeUserID reduces a raw user id to characters safe in filenames and
// storage keys. Lossy: distinct raw ids can collide once sanitized, so the
// raw id stays authoritative everywhere except paths.
func SafeUserID(raw string) string {
	var b strings.Builder
	for _, r := range raw {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	out := b.String()
	if len(out) > 64 {
		out = out[:64]
	}
	return out
}

// Resolution is the outcome of a resolver observing one event.
type Resolution struct {
	// Identity is non-nil once the connection is authenticated.
	Identity *Identity

	// Consumed marks events that exist only to carry authentication; they
	// are recorded in the session log but never reach later stages.
	Consumed bool
}

// Resolver inspects decoded client events until it can produce an identity.
// Resolvers are stateful and per-connection; clients must create a fresh
// instance for every connection.
type Resolver interface {
	Name() string
	Observe(event map[string]any) (Resolution, error)
}

// Chain tries resolvers in order for every event. The first resolver to
// produce an identity wins; later resolvers are never consulted again by
// the caller.
type Chain struct {
	resolvers []Resolver
}

// NewChain builds a resolver chain.
func NewChain(resolvers ...Resolver) *Chain {
	return &Chain{resolvers: resolvers}
}

// Observe feeds one event through the chain.
func (c *Chain) Observe(event map[string]any) (Resolution, error) {
	for _, r := range c.resolvers {
		res, err := r.Observe(event)
		if err != nil {
			return Resolution{}, err
		}
		if res.Identity != nil || res.Consumed {
			return res, nil
		}
	}
	return Resolution{}, nil
}
