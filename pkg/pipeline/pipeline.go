// Package pipeline runs one websocket connection's event stream through an
// ordered stage graph: decode, lock-fields, terminate, auth, blacklist,
// blob, reducer refresh, reducers. Each stage is a goroutine joined to the
// next by a bounded channel, so within a connection events keep their
// arrival order while distinct connections proceed independently.
package pipeline

import (
	"errors"
)

// Client event verbs the stages act on. Everything else is telemetry and
// flows through untouched.
const (
	// VerbLockFields merges its fields map into the connection lock map.
	VerbLockFields = "lock_fields"

	// VerbTerminate ends the connection and releases its resources.
	VerbTerminate = "terminate"

	// VerbSaveBlob stores the event's blob under the authenticated user.
	VerbSaveBlob = "save_blob"

	// VerbFetchBlob answers with the stored blob as a control frame.
	VerbFetchBlob = "fetch_blob"
)

// Executable names this ingest binary in the server block of every
// composed event.
const Executable = "quillstream"

// ErrInvalidInput marks malformed client frames.
var ErrInvalidInput = errors.New("invalid input")

// Event is one decoded client message moving through the stage graph. Data
// is mutated in place by the lock-field and auth stages, matching what
// reducers and the persistent log ultimately see.
type Event struct {
	Data map[string]any

	// consumedByAuth marks events that authenticated the connection;
	// they are withheld from the backlog flush.
	consumedByAuth bool
}

// Verb returns the client event verb, empty when absent.
func (e *Event) Verb() string {
	verb, _ := e.Data["event"].(string)
	return verb
}

// Config tunes the per-connection pipeline.
type Config struct {
	// QueueDepth is the buffer of each inter-stage channel. Order is
	// preserved at any depth; deeper queues only add slack.
	QueueDepth int `yaml:"queue_depth"`

	// AuthBacklog caps the events held while identity is unresolved.
	// A connection exceeding it is closed as unauthorized.
	AuthBacklog int `yaml:"auth_backlog"`

	// PreSessionBuffer caps the decoded events held before the session
	// initializes; beyond it the oldest are dropped.
	PreSessionBuffer int `yaml:"pre_session_buffer"`
}

// DefaultConfig returns the pipeline defaults.
func DefaultConfig() Config {
	return Config{
		QueueDepth:       1,
		AuthBacklog:      1024,
		PreSessionBuffer: 4096,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.QueueDepth <= 0 {
		c.QueueDepth = def.QueueDepth
	}
	if c.AuthBacklog <= 0 {
		c.AuthBacklog = def.AuthBacklog
	}
	if c.PreSessionBuffer <= 0 {
		c.PreSessionBuffer = def.PreSessionBuffer
	}
	return c
}
