package api

import (
	"github.com/quillstream/quillstream/pkg/merkle"
	"github.com/quillstream/quillstream/pkg/session"
)

// HealthCheck reports the state of one internal component.
type HealthCheck struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// HealthResponse is the GET /health payload.
type HealthResponse struct {
	Status  string                 `json:"status"`
	Version string                 `json:"version"`
	Checks  map[string]HealthCheck `json:"checks"`
}

// StreamSummary describes one stored stream key.
//
// Kind is "session" for descriptor-addressed streams (open sessions and the
// parent category streams they notify), "closed" for finished streams
// addressed by final hash, "tombstone" for deletion records, "blob" for blob
// version streams, and "other" for anything else, such as reducer
// checkpoints.
type StreamSummary struct {
	Key        string              `json:"key"`
	Kind       string              `json:"kind"`
	Descriptor map[string][]string `json:"descriptor,omitempty"`
}

// StreamListResponse is the GET /api/v1/streams payload.
type StreamListResponse struct {
	Streams []StreamSummary `json:"streams"`
	Count   int             `json:"count"`
}

// StreamResponse is the GET /api/v1/streams/:key payload.
type StreamResponse struct {
	Key        string              `json:"key"`
	Descriptor map[string][]string `json:"descriptor,omitempty"`
	Items      []merkle.Item       `json:"items"`
	Count      int                 `json:"count"`
}

// VerifyResponse is the POST /api/v1/streams/:key/verify payload on success.
// Verification failures are reported as HTTP errors, not as valid=false.
type VerifyResponse struct {
	Key   string `json:"key"`
	Valid bool   `json:"valid"`
	Items int    `json:"items"`
}

// DeleteStreamResponse is the DELETE /api/v1/streams/:key payload.
type DeleteStreamResponse struct {
	TombstoneKey string           `json:"tombstone_key"`
	Tombstone    merkle.Tombstone `json:"tombstone"`
}

// BreakSessionResponse is the POST /api/v1/sessions/:key/break payload. The
// session keeps its key; the checkpointed segment is reachable through the
// continuation's first item.
type BreakSessionResponse struct {
	Key    string `json:"key"`
	Broken bool   `json:"broken"`
}

// ConnectionListResponse is the GET /api/v1/connections payload.
type ConnectionListResponse struct {
	Connections []session.Info `json:"connections"`
	Count       int            `json:"count"`
}
