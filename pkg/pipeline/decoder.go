package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/quillstream/quillstream/pkg/eventlog"
	"github.com/quillstream/quillstream/pkg/merkle"
)

// Decoder persists each decoded event and owns the session side channel.
// The decode stage calls Record; the auth stage calls InitializeSession
// once identity is known; the connection's shutdown path calls Close.
type Decoder interface {
	// Record persists one decoded event: a chain append once the session
	// is initialized, a buffer entry before, or a flat-log line in legacy
	// mode.
	Record(ctx context.Context, event map[string]any) error

	// InitializeSession opens the persistent session. Idempotent; calls
	// after the first are no-ops.
	InitializeSession(ctx context.Context, student, tool string) error

	// Close seals the session or log. Safe to call more than once.
	Close(ctx context.Context) error
}

// MerkleDecoderConfig parameterizes a session-chained decoder.
type MerkleDecoderConfig struct {
	// Headers, when set, are recorded as the session's first item.
	Headers http.Header

	// BufferCap bounds the pre-session buffer; zero means the default.
	BufferCap int

	Logger *slog.Logger
}

type merkleDecoder struct {
	async     *merkle.AsyncEngine
	logger    *slog.Logger
	headers   http.Header
	bufferCap int

	mu         sync.Mutex
	sessionKey string
	started    bool
	closed     bool
	buffer     []map[string]any
	dropped    int
}

// NewMerkleDecoder chains every recorded event into a Merkle session,
// buffering until InitializeSession provides the descriptor.
func NewMerkleDecoder(async *merkle.AsyncEngine, cfg MerkleDecoderConfig) Decoder {
	if cfg.BufferCap <= 0 {
		cfg.BufferCap = DefaultConfig().PreSessionBuffer
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default().With("component", "decoder")
	}
	return &merkleDecoder{
		async:     async,
		logger:    cfg.Logger,
		headers:   cfg.Headers,
		bufferCap: cfg.BufferCap,
	}
}

func (d *merkleDecoder) Record(ctx context.Context, event map[string]any) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		d.logger.Debug("Dropping event recorded after close")
		return nil
	}
	if !d.started {
		if len(d.buffer) >= d.bufferCap {
			if d.dropped == 0 {
				d.logger.Warn("Pre-session buffer full, dropping oldest events",
					"cap", d.bufferCap)
			}
			d.dropped++
			copy(d.buffer, d.buffer[1:])
			d.buffer = d.buffer[:len(d.buffer)-1]
		}
		d.buffer = append(d.buffer, event)
		return nil
	}
	return d.append(ctx, event)
}

// append submits one chain append and waits for its outcome.
func (d *merkleDecoder) append(ctx context.Context, event map[string]any, opts ...merkle.AppendOption) error {
	select {
	case res := <-d.async.Append(ctx, d.sessionKey, event, opts...):
		return res.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *merkleDecoder) InitializeSession(ctx context.Context, student, tool string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.started {
		d.logger.Debug("Session already initialized; ignoring duplicate call")
		return nil
	}
	if d.closed {
		return fmt.Errorf("decoder is closed")
	}

	descriptor := map[string][]string{
		"student": {student},
		"tool":    {tool},
	}
	var res merkle.StartResult
	select {
	case res = <-d.async.Start(ctx, descriptor):
	case <-ctx.Done():
		return ctx.Err()
	}
	if res.Err != nil {
		return fmt.Errorf("start session: %w", res.Err)
	}
	d.sessionKey = res.SessionKey

	if len(d.headers) > 0 {
		header := map[string]any{"type": "header", "headers": d.headers}
		if err := d.append(ctx, header, merkle.WithLabel("headers")); err != nil {
			return fmt.Errorf("record headers: %w", err)
		}
	}

	flushed := len(d.buffer)
	for _, buffered := range d.buffer {
		if err := d.append(ctx, buffered); err != nil {
			return fmt.Errorf("flush buffered event: %w", err)
		}
	}
	d.buffer = nil
	d.started = true
	d.logger.Debug("Session initialized",
		"student", student,
		"tool", tool,
		"flushed", flushed,
		"dropped", d.dropped)
	return nil
}

func (d *merkleDecoder) Close(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return nil
	}
	d.closed = true

	if d.started {
		select {
		case res := <-d.async.Close(ctx, d.sessionKey):
			return res.Err
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if len(d.buffer) > 0 {
		// the connection died before identity was ever established
		d.logger.Warn("Session closed before initialization; buffered events never reached a chain",
			"buffered", len(d.buffer),
			"dropped", d.dropped)
	}
	return nil
}

type legacyDecoder struct {
	log *eventlog.FlatLog
}

// NewLegacyDecoder appends every recorded event to a per-connection flat
// log file. Session initialization is a no-op: flat logs need no identity.
func NewLegacyDecoder(dir, remoteIP, forwardedIP string) (Decoder, error) {
	log, err := eventlog.NewFlatLog(dir, remoteIP, forwardedIP)
	if err != nil {
		return nil, err
	}
	return &legacyDecoder{log: log}, nil
}

func (d *legacyDecoder) Record(_ context.Context, event map[string]any) error {
	return d.log.Write(event)
}

func (d *legacyDecoder) InitializeSession(context.Context, string, string) error {
	return nil
}

func (d *legacyDecoder) Close(context.Context) error {
	return d.log.Close()
}
