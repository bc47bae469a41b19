// Package reducer runs per-connection analytics over composed events.
//
// A Definition pairs a scope (field names pulled from the client event)
// with a factory that binds per-connection state. The Registry holds the
// loaded definitions and a generation stamp so live connections can detect
// a reload; a Dispatcher is one connection's instantiated reducer set.
package reducer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"runtime/debug"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/quillstream/quillstream/pkg/eventlog"
)

// ErrReducer marks a reducer failure surfaced in dev mode. In normal
// operation failures are captured to a crash trace and swallowed.
var ErrReducer = errors.New("reducer failure")

// Metadata describes the connection a dispatcher serves.
type Metadata struct {
	// UserID is the authenticated user id, empty for guests.
	UserID string

	// SafeUserID is the storage-safe form of UserID.
	SafeUserID string

	// Source is the client module that opened the connection.
	Source string
}

// Func processes one composed event. scope holds the values extracted for
// the reducer's declared scope fields.
type Func func(ctx context.Context, event map[string]any, scope map[string]any) error

// Factory binds a reducer to one connection.
type Factory func(ctx context.Context, meta Metadata) (Func, error)

// Definition declares a reducer: its name, the client-event fields it
// requires, and the factory producing per-connection instances.
type Definition struct {
	Name    string
	Scope   []string
	Factory Factory
}

// Registry holds the loaded reducer definitions. Load replaces the set and
// bumps the generation; dispatchers compare generations to find out they
// are stale.
type Registry struct {
	logger   *slog.Logger
	crashDir string
	devMode  bool

	mu   sync.RWMutex
	defs []Definition
	gen  atomic.Uint64
}

// RegistryOption adjusts registry construction.
type RegistryOption func(*Registry)

// WithLogger replaces the default logger.
func WithLogger(logger *slog.Logger) RegistryOption {
	return func(r *Registry) { r.logger = logger }
}

// WithCrashDir sets the directory receiving crash traces.
func WithCrashDir(dir string) RegistryOption {
	return func(r *Registry) { r.crashDir = dir }
}

// WithDevMode makes dispatch fail fast instead of isolating failures.
func WithDevMode(enabled bool) RegistryOption {
	return func(r *Registry) { r.devMode = enabled }
}

// NewRegistry creates an empty registry at generation zero.
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		logger:   slog.Default().With("component", "reducer"),
		crashDir: os.TempDir(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Load replaces the definition set and bumps the generation.
func (r *Registry) Load(defs ...Definition) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.defs = slices.Clone(defs)
	r.gen.Add(1)
	r.logger.Info("Reducer registry loaded",
		"reducers", len(defs),
		"generation", r.gen.Load())
}

// Generation returns the current registry generation. Zero means nothing
// was ever loaded.
func (r *Registry) Generation() uint64 {
	return r.gen.Load()
}

// snapshot returns the generation and definitions as one consistent view.
func (r *Registry) snapshot() (uint64, []Definition) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.gen.Load(), slices.Clone(r.defs)
}

// boundReducer is one definition instantiated for a connection.
type boundReducer struct {
	name  string
	scope []string
	fn    Func
}

// Dispatcher is a connection's instantiated reducer set, pinned to the
// registry generation it was built from.
type Dispatcher struct {
	registry   *Registry
	meta       Metadata
	generation uint64
	reducers   []boundReducer
}

// NewDispatcher instantiates every loaded reducer for one connection.
func (r *Registry) NewDispatcher(ctx context.Context, meta Metadata) (*Dispatcher, error) {
	d := &Dispatcher{registry: r, meta: meta}
	if err := d.rebuild(ctx); err != nil {
		return nil, err
	}
	return d, nil
}

func (d *Dispatcher) rebuild(ctx context.Context) error {
	gen, defs := d.registry.snapshot()
	reducers := make([]boundReducer, 0, len(defs))
	for _, def := range defs {
		fn, err := def.Factory(ctx, d.meta)
		if err != nil {
			return fmt.Errorf("instantiate reducer %q: %w", def.Name, err)
		}
		reducers = append(reducers, boundReducer{
			name:  def.Name,
			scope: def.Scope,
			fn:    fn,
		})
	}
	d.generation = gen
	d.reducers = reducers
	return nil
}

// Generation returns the registry generation this dispatcher was built from.
func (d *Dispatcher) Generation() uint64 {
	return d.generation
}

// Stale reports whether the registry was reloaded since this dispatcher
// was built. Stale dispatchers keep working; callers rebuild at the next
// convenient point.
func (d *Dispatcher) Stale() bool {
	return d.generation != d.registry.Generation()
}

// Dispatch runs one composed event through every reducer. A reducer whose
// scope fields are absent from the client event is skipped. Failures are
// captured to a crash trace and do not stop dispatch; in dev mode the
// first failure is returned instead.
func (d *Dispatcher) Dispatch(ctx context.Context, event map[string]any) error {
	client, _ := event["client"].(map[string]any)
	for _, red := range d.reducers {
		scope, ok := extractScope(client, red.scope)
		if !ok {
			d.registry.logger.Debug("Skipping reducer, scope field missing from event",
				"reducer", red.name)
			continue
		}
		if err := d.invoke(ctx, red, event, scope); err != nil {
			return err
		}
	}
	return nil
}

// extractScope pulls the scope fields out of the client event. ok is false
// when any field is missing.
func extractScope(client map[string]any, fields []string) (map[string]any, bool) {
	scope := make(map[string]any, len(fields))
	for _, field := range fields {
		value, ok := client[field]
		if !ok {
			return nil, false
		}
		scope[field] = value
	}
	return scope, true
}

func (d *Dispatcher) invoke(ctx context.Context, red boundReducer, event, scope map[string]any) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = d.failure(red.name, event, fmt.Errorf("panic: %v", rec), debug.Stack())
		}
	}()
	if ferr := red.fn(ctx, event, scope); ferr != nil {
		return d.failure(red.name, event, ferr, debug.Stack())
	}
	return nil
}

// failure records a crash trace and decides whether the error propagates.
func (d *Dispatcher) failure(name string, event map[string]any, cause error, stack []byte) error {
	path, werr := eventlog.WriteCrashTrace(d.registry.crashDir, event, stack)
	if werr != nil {
		d.registry.logger.Warn("Failed to write crash trace", "error", werr)
	}
	d.registry.logger.Error("Reducer failed",
		"reducer", name,
		"error", cause,
		"trace", path)
	if d.registry.devMode {
		return fmt.Errorf("%w: %s: %v", ErrReducer, name, cause)
	}
	return nil
}
