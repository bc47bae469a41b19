package merkle

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"gopkg.in/yaml.v3"
)

// ErrStopped is returned for operations submitted after Stop.
var ErrStopped = errors.New("async engine stopped")

// AsyncConfig sizes the async facade's worker pool.
type AsyncConfig struct {
	// Workers is the number of worker goroutines. Operations for one
	// session always land on the same worker, so per-session order holds
	// while distinct sessions proceed in parallel.
	Workers int `yaml:"workers"`

	// QueueDepth is the per-worker task buffer. A full queue exerts
	// backpressure on the submitting connection.
	QueueDepth int `yaml:"queue_depth"`

	// OpTimeout bounds each storage operation. Tasks run detached from the
	// submitter's context: a websocket closing must not cancel the close of
	// its own session.
	OpTimeout time.Duration `yaml:"op_timeout"`
}

// UnmarshalYAML decodes the async section, accepting op_timeout as a Go
// duration string ("10s"). yaml.v3 does not decode those into time.Duration
// on its own.
func (c *AsyncConfig) UnmarshalYAML(value *yaml.Node) error {
	var raw struct {
		Workers    int    `yaml:"workers"`
		QueueDepth int    `yaml:"queue_depth"`
		OpTimeout  string `yaml:"op_timeout"`
	}
	if err := value.Decode(&raw); err != nil {
		return err
	}

	c.Workers = raw.Workers
	c.QueueDepth = raw.QueueDepth
	if raw.OpTimeout != "" {
		d, err := time.ParseDuration(raw.OpTimeout)
		if err != nil {
			return fmt.Errorf("async.op_timeout: %w", err)
		}
		c.OpTimeout = d
	}
	return nil
}

// DefaultAsyncConfig returns the built-in async facade defaults.
func DefaultAsyncConfig() AsyncConfig {
	return AsyncConfig{
		Workers:    8,
		QueueDepth: 64,
		OpTimeout:  10 * time.Second,
	}
}

// AsyncEngine runs engine operations on a worker pool so connection handlers
// never block on storage. Operations carrying the same session key are
// serialized by landing on the same worker queue.
type AsyncEngine struct {
	engine *Engine
	cfg    AsyncConfig
	logger *slog.Logger

	queues   []chan task
	wg       sync.WaitGroup
	stopped  atomic.Bool
	stopOnce sync.Once
	stopCh   chan struct{}
}

type task struct {
	sessionKey string
	run        func(ctx context.Context)
}

// StartResult carries the outcome of an async Start.
type StartResult struct {
	SessionKey string
	Err        error
}

// AppendResult carries the outcome of an async Append.
type AppendResult struct {
	Item Item
	Err  error
}

// CloseResult carries the outcome of an async Close.
type CloseResult struct {
	FinalHash string
	Err       error
}

// NewAsync wraps engine with a running worker pool.
func NewAsync(engine *Engine, cfg AsyncConfig) *AsyncEngine {
	defaults := DefaultAsyncConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = defaults.Workers
	}
	if cfg.QueueDepth <= 0 {
		cfg.QueueDepth = defaults.QueueDepth
	}
	if cfg.OpTimeout <= 0 {
		cfg.OpTimeout = defaults.OpTimeout
	}

	a := &AsyncEngine{
		engine: engine,
		cfg:    cfg,
		logger: slog.Default().With("component", "merkle_async"),
		queues: make([]chan task, cfg.Workers),
		stopCh: make(chan struct{}),
	}
	for i := range a.queues {
		a.queues[i] = make(chan task, cfg.QueueDepth)
		a.wg.Add(1)
		go a.worker(i)
	}
	return a
}

// Engine exposes the wrapped synchronous engine.
func (a *AsyncEngine) Engine() *Engine {
	return a.engine
}

func (a *AsyncEngine) worker(i int) {
	defer a.wg.Done()
	for {
		select {
		case t := <-a.queues[i]:
			a.runTask(t, false)
		case <-a.stopCh:
			// Drain what is already queued, then exit.
			for {
				select {
				case t := <-a.queues[i]:
					a.runTask(t, false)
				default:
					return
				}
			}
		}
	}
}

func (a *AsyncEngine) runTask(t task, expired bool) {
	ctx, cancel := context.WithTimeout(context.Background(), a.cfg.OpTimeout)
	if expired {
		cancel()
	} else {
		defer cancel()
	}
	t.run(ctx)
}

// submit routes a task to the worker owning its session key. The caller's
// context gates only the enqueue; the task itself runs under the pool's
// operation timeout.
func (a *AsyncEngine) submit(ctx context.Context, t task) error {
	if a.stopped.Load() {
		return ErrStopped
	}

	h := fnv.New32a()
	_, _ = h.Write([]byte(t.sessionKey))
	queue := a.queues[h.Sum32()%uint32(len(a.queues))]

	select {
	case queue <- t:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-a.stopCh:
		return ErrStopped
	}
}

// Start opens a session stream. The result channel receives exactly one
// value.
func (a *AsyncEngine) Start(ctx context.Context, descriptor map[string][]string) <-chan StartResult {
	out := make(chan StartResult, 1)
	key, err := SessionKey(descriptor)
	if err != nil {
		out <- StartResult{Err: err}
		return out
	}
	err = a.submit(ctx, task{sessionKey: key, run: func(ctx context.Context) {
		sessionKey, err := a.engine.Start(ctx, descriptor)
		if err != nil {
			a.logger.Error("Session start failed", "session", key, "error", err)
		}
		out <- StartResult{SessionKey: sessionKey, Err: err}
	}})
	if err != nil {
		out <- StartResult{Err: err}
	}
	return out
}

// StartContinuation opens a continuation stream chained to continuesHash.
func (a *AsyncEngine) StartContinuation(ctx context.Context, descriptor map[string][]string, continuesHash string) <-chan StartResult {
	out := make(chan StartResult, 1)
	key, err := SessionKey(descriptor)
	if err != nil {
		out <- StartResult{Err: err}
		return out
	}
	err = a.submit(ctx, task{sessionKey: key, run: func(ctx context.Context) {
		sessionKey, err := a.engine.StartContinuation(ctx, descriptor, continuesHash)
		if err != nil {
			a.logger.Error("Continuation start failed", "session", key, "error", err)
		}
		out <- StartResult{SessionKey: sessionKey, Err: err}
	}})
	if err != nil {
		out <- StartResult{Err: err}
	}
	return out
}

// Append hash-chains an event onto a session stream.
func (a *AsyncEngine) Append(ctx context.Context, sessionKey string, event any, opts ...AppendOption) <-chan AppendResult {
	out := make(chan AppendResult, 1)
	err := a.submit(ctx, task{sessionKey: sessionKey, run: func(ctx context.Context) {
		item, err := a.engine.Append(ctx, sessionKey, event, opts...)
		if err != nil {
			a.logger.Error("Append failed", "session", sessionKey, "error", err)
		}
		out <- AppendResult{Item: item, Err: err}
	}})
	if err != nil {
		out <- AppendResult{Err: err}
	}
	return out
}

// Close finishes a session stream.
func (a *AsyncEngine) Close(ctx context.Context, sessionKey string, opts ...CloseOption) <-chan CloseResult {
	out := make(chan CloseResult, 1)
	err := a.submit(ctx, task{sessionKey: sessionKey, run: func(ctx context.Context) {
		finalHash, err := a.engine.Close(ctx, sessionKey, opts...)
		if err != nil {
			a.logger.Error("Session close failed", "session", sessionKey, "error", err)
		}
		out <- CloseResult{FinalHash: finalHash, Err: err}
	}})
	if err != nil {
		out <- CloseResult{Err: err}
	}
	return out
}

// BreakResult carries the outcome of an async Break.
type BreakResult struct {
	SessionKey string
	Err        error
}

// Break checkpoints a live session on the pool. The continuation keeps the
// same session key, and routing by that key serializes the break with any
// in-flight appends, so writers never observe the stream mid-rename.
func (a *AsyncEngine) Break(ctx context.Context, sessionKey string) <-chan BreakResult {
	out := make(chan BreakResult, 1)
	err := a.submit(ctx, task{sessionKey: sessionKey, run: func(ctx context.Context) {
		key, err := a.engine.Break(ctx, sessionKey)
		if err != nil {
			a.logger.Error("Session break failed", "session", sessionKey, "error", err)
		}
		out <- BreakResult{SessionKey: key, Err: err}
	}})
	if err != nil {
		out <- BreakResult{Err: err}
	}
	return out
}

// VerifyChain verifies a stream on the pool.
func (a *AsyncEngine) VerifyChain(ctx context.Context, streamKey string) <-chan error {
	out := make(chan error, 1)
	err := a.submit(ctx, task{sessionKey: streamKey, run: func(ctx context.Context) {
		out <- a.engine.VerifyChain(ctx, streamKey)
	}})
	if err != nil {
		out <- err
	}
	return out
}

// Stats reports pool occupancy for health checks.
type Stats struct {
	Workers int `json:"workers"`
	Pending int `json:"pending"`
}

// Stats returns a snapshot of pool occupancy.
func (a *AsyncEngine) Stats() Stats {
	pending := 0
	for _, q := range a.queues {
		pending += len(q)
	}
	return Stats{Workers: len(a.queues), Pending: pending}
}

// Stop drains the pool: no new work is accepted, queued tasks finish, and
// Stop returns when the workers exit or ctx expires.
func (a *AsyncEngine) Stop(ctx context.Context) error {
	a.stopOnce.Do(func() {
		a.stopped.Store(true)
		close(a.stopCh)
	})

	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return fmt.Errorf("async engine drain: %w", ctx.Err())
	}

	// A submit racing the shutdown can still land a task after its worker
	// drained. Fail those with an expired context so no caller waits
	// forever on a result channel.
	for _, q := range a.queues {
		for drained := false; !drained; {
			select {
			case t := <-q:
				a.runTask(t, true)
			default:
				drained = true
			}
		}
	}
	return nil
}
