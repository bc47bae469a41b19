package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quillstream/quillstream/pkg/auth"
	"github.com/quillstream/quillstream/pkg/blacklist"
	"github.com/quillstream/quillstream/pkg/blob"
	"github.com/quillstream/quillstream/pkg/config"
	"github.com/quillstream/quillstream/pkg/merkle"
	"github.com/quillstream/quillstream/pkg/pipeline"
	"github.com/quillstream/quillstream/pkg/reducer"
	"github.com/quillstream/quillstream/pkg/session"
	"github.com/quillstream/quillstream/pkg/storage"
)

func newTestConfig() *config.Config {
	return &config.Config{
		Server: config.ServerConfig{Host: "127.0.0.1", Port: 0},
		Merkle: &config.MerkleConfig{
			Async: merkle.AsyncConfig{Workers: 2, QueueDepth: 16},
		},
		Pipeline: pipeline.DefaultConfig(),
		Auth:     auth.DefaultHeaderConfig(),
		DevMode:  true,
	}
}

// newTestServer assembles a fully wired server over in-memory storage.
func newTestServer(t *testing.T) *Server {
	t.Helper()

	cfg := newTestConfig()
	store := storage.NewMemory()
	async := merkle.NewAsync(merkle.New(store), cfg.Merkle.Async)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = async.Stop(ctx)
	})

	bl, err := blacklist.New(blacklist.Config{})
	require.NoError(t, err)

	s := NewServer(cfg, store, async, session.NewRegistry(), reducer.NewRegistry(), bl, blob.NewStreamStore(store))
	s.SetLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, s.ValidateWiring())
	return s
}

// seedSession starts a session stream and appends one item per event.
func seedSession(t *testing.T, s *Server, descriptor map[string][]string, events ...string) string {
	t.Helper()
	ctx := context.Background()
	eng := s.async.Engine()

	key, err := eng.Start(ctx, descriptor)
	require.NoError(t, err)
	for _, ev := range events {
		_, err := eng.Append(ctx, key, map[string]any{"event": ev})
		require.NoError(t, err)
	}
	return key
}

// doRequest runs one request through the router and returns the recorder.
func doRequest(t *testing.T, s *Server, method, path string, body io.Reader) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, body)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	s.echo.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), "body: %s", rec.Body.String())
	return out
}

func TestValidateWiring(t *testing.T) {
	t.Run("fully wired server passes", func(t *testing.T) {
		s := newTestServer(t)
		assert.NoError(t, s.ValidateWiring())
	})

	t.Run("reports every missing dependency", func(t *testing.T) {
		s := &Server{cfg: newTestConfig()}
		err := s.ValidateWiring()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "storage")
		assert.Contains(t, err.Error(), "session registry")
		assert.Contains(t, err.Error(), "reducer registry")
		assert.Contains(t, err.Error(), "blob store")
		assert.Contains(t, err.Error(), "log store engine")
	})

	t.Run("engine not required when log store disabled", func(t *testing.T) {
		s := newTestServer(t)
		s.cfg.Merkle = nil
		s.async = nil
		assert.NoError(t, s.ValidateWiring())
	})
}

func TestServerLifecycle(t *testing.T) {
	s := newTestServer(t)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	served := make(chan error, 1)
	go func() { served <- s.StartWithListener(ln) }()

	resp, err := http.Get(fmt.Sprintf("http://%s/health", ln.Addr().String()))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.Shutdown(shutdownCtx))

	select {
	case err := <-served:
		assert.NoError(t, err, "a clean shutdown is not an error")
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop after Shutdown")
	}
}
