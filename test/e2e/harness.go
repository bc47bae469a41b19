// Package e2e provides end-to-end test infrastructure for the quillstream
// server: a full instance over in-memory storage, a websocket ingest client,
// and REST helpers for the stream API.
package e2e

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/quillstream/quillstream/pkg/api"
	"github.com/quillstream/quillstream/pkg/blacklist"
	"github.com/quillstream/quillstream/pkg/blob"
	"github.com/quillstream/quillstream/pkg/config"
	"github.com/quillstream/quillstream/pkg/merkle"
	"github.com/quillstream/quillstream/pkg/pipeline"
	"github.com/quillstream/quillstream/pkg/reducer"
	"github.com/quillstream/quillstream/pkg/session"
	"github.com/quillstream/quillstream/pkg/storage"
)

// TestApp boots a complete quillstream instance for e2e testing.
type TestApp struct {
	Config   *config.Config
	Store    storage.Store
	Async    *merkle.AsyncEngine
	Registry *session.Registry
	Reducers *reducer.Registry
	Server   *api.Server

	// Runtime
	BaseURL string // e.g. "http://127.0.0.1:54321"
	WSURL   string // e.g. "ws://127.0.0.1:54321/ws/events"

	t *testing.T
}

// testAppConfig holds options accumulated before creating the TestApp.
type testAppConfig struct {
	cfg      *config.Config
	reducers []reducer.Definition
}

// TestAppOption configures the test app.
type TestAppOption func(*testAppConfig)

// WithConfig sets a custom config.
func WithConfig(cfg *config.Config) TestAppOption {
	return func(c *testAppConfig) { c.cfg = cfg }
}

// WithBlacklist sets blacklist rules on the default config.
func WithBlacklist(rules map[string][]blacklist.PatternSet) TestAppOption {
	return func(c *testAppConfig) { c.cfg.Blacklist.Rules = rules }
}

// WithReducers loads extra reducer definitions alongside the builtins.
func WithReducers(defs ...reducer.Definition) TestAppOption {
	return func(c *testAppConfig) { c.reducers = append(c.reducers, defs...) }
}

// defaultTestConfig creates a config suitable for tests that don't provide
// their own: in-memory storage, the Merkle decoder, and dev mode so the
// scripted test-framework identities are honored.
func defaultTestConfig() *config.Config {
	return &config.Config{
		Server: config.ServerConfig{Host: "127.0.0.1", Port: 0},
		Storage: storage.Config{
			Driver: "memory",
		},
		Merkle: &config.MerkleConfig{
			Async: merkle.AsyncConfig{Workers: 2, QueueDepth: 64},
		},
		Pipeline: pipeline.DefaultConfig(),
		DevMode:  true,
	}
}

// SetupTestApp boots a quillstream instance on an ephemeral port and
// registers cleanup in reverse-creation order.
func SetupTestApp(t *testing.T, opts ...TestAppOption) *TestApp {
	t.Helper()

	tc := &testAppConfig{cfg: defaultTestConfig()}
	for _, opt := range opts {
		opt(tc)
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	ctx := context.Background()

	// 1. Storage and the log store pool.
	store, err := storage.Open(ctx, tc.cfg.Storage)
	require.NoError(t, err)

	var async *merkle.AsyncEngine
	if tc.cfg.MerkleEnabled() {
		async = merkle.NewAsync(merkle.New(store, merkle.WithLogger(logger)), tc.cfg.Merkle.Async)
	}

	// 2. Pipeline services.
	evaluator, err := blacklist.New(tc.cfg.Blacklist)
	require.NoError(t, err)

	reducers := reducer.NewRegistry(reducer.WithLogger(logger), reducer.WithDevMode(tc.cfg.DevMode))
	defs := append([]reducer.Definition{
		reducer.EventCount(store),
		reducer.DocumentActivity(store),
	}, tc.reducers...)
	reducers.Load(defs...)

	registry := session.NewRegistry()

	// 3. HTTP server on a random port.
	server := api.NewServer(tc.cfg, store, async, registry, reducers, evaluator, blob.NewStreamStore(store))
	server.SetLogger(logger)
	require.NoError(t, server.ValidateWiring(), "server wiring incomplete")

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	go func() {
		_ = server.StartWithListener(ln)
	}()

	addr := ln.Addr().String()
	app := &TestApp{
		Config:   tc.cfg,
		Store:    store,
		Async:    async,
		Registry: registry,
		Reducers: reducers,
		Server:   server,
		BaseURL:  fmt.Sprintf("http://%s", addr),
		WSURL:    fmt.Sprintf("ws://%s/ws/events", addr),
		t:        t,
	}

	// Register cleanup in reverse-creation order.
	t.Cleanup(func() {
		registry.CloseAll("test teardown")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		if async != nil {
			_ = async.Stop(shutdownCtx)
		}
		_ = store.Close()
	})

	return app
}
