// Package api exposes the HTTP surface: the event ingest WebSocket, the
// stream REST API, and the health endpoint.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"

	echo "github.com/labstack/echo/v5"

	"github.com/quillstream/quillstream/pkg/blacklist"
	"github.com/quillstream/quillstream/pkg/blob"
	"github.com/quillstream/quillstream/pkg/config"
	"github.com/quillstream/quillstream/pkg/eventlog"
	"github.com/quillstream/quillstream/pkg/merkle"
	"github.com/quillstream/quillstream/pkg/reducer"
	"github.com/quillstream/quillstream/pkg/session"
	"github.com/quillstream/quillstream/pkg/storage"
)

// Server hosts the ingest and REST endpoints over a single echo router.
type Server struct {
	cfg       *config.Config
	store     storage.Store
	async     *merkle.AsyncEngine
	registry  *session.Registry
	reducers  *reducer.Registry
	blacklist *blacklist.Evaluator
	blobs     blob.Store

	mainLog *eventlog.MainLog
	logger  *slog.Logger

	echo       *echo.Echo
	httpServer *http.Server
}

// NewServer wires the core dependencies. Optional dependencies (main event
// log, logger) are attached with the Set* methods before Start. async may be
// nil when the Merkle log store is disabled; the stream endpoints then
// answer 503.
func NewServer(cfg *config.Config, store storage.Store, async *merkle.AsyncEngine, registry *session.Registry, reducers *reducer.Registry, bl *blacklist.Evaluator, blobs blob.Store) *Server {
	s := &Server{
		cfg:       cfg,
		store:     store,
		async:     async,
		registry:  registry,
		reducers:  reducers,
		blacklist: bl,
		blobs:     blobs,
		logger:    slog.Default().With("component", "api"),
	}
	s.echo = s.buildRouter()
	s.httpServer = &http.Server{
		Handler:     s.echo,
		ReadTimeout: cfg.Server.ReadTimeout,
		// WriteTimeout is deliberately unset: the ingest WebSocket is
		// hijacked and long-lived, and per-message deadlines are handled
		// by the socket layer.
	}
	return s
}

// SetMainLog attaches the shared main event log. Optional.
func (s *Server) SetMainLog(ml *eventlog.MainLog) {
	s.mainLog = ml
}

// SetLogger replaces the default logger. Optional.
func (s *Server) SetLogger(l *slog.Logger) {
	if l != nil {
		s.logger = l.With("component", "api")
	}
}

func (s *Server) buildRouter() *echo.Echo {
	e := echo.New()

	e.Use(s.recoverPanics())
	e.Use(s.requestLogger())
	e.Use(securityHeaders())

	e.GET("/health", s.healthHandler)
	e.GET("/ws/events", s.wsHandler)

	e.GET("/api/v1/streams", s.listStreamsHandler)
	e.GET("/api/v1/streams/:key", s.getStreamHandler)
	e.POST("/api/v1/streams/:key/verify", s.verifyStreamHandler)
	e.DELETE("/api/v1/streams/:key", s.deleteStreamHandler)
	e.POST("/api/v1/sessions/:key/break", s.breakSessionHandler)
	e.GET("/api/v1/connections", s.listConnectionsHandler)

	return e
}

// ValidateWiring reports which required dependencies are missing. Call it
// after construction and before Start; a failure here means a bug in the
// composition root, not a runtime condition.
func (s *Server) ValidateWiring() error {
	var missing []string
	if s.cfg == nil {
		missing = append(missing, "config")
	}
	if s.store == nil {
		missing = append(missing, "storage")
	}
	if s.registry == nil {
		missing = append(missing, "session registry")
	}
	if s.reducers == nil {
		missing = append(missing, "reducer registry")
	}
	if s.blobs == nil {
		missing = append(missing, "blob store")
	}
	if s.cfg != nil && s.cfg.MerkleEnabled() && s.async == nil {
		missing = append(missing, "log store engine")
	}
	if len(missing) > 0 {
		return fmt.Errorf("server wiring incomplete: missing %s", strings.Join(missing, ", "))
	}
	return nil
}

// Start listens on the configured address and serves until Shutdown.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.Server.Addr())
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.cfg.Server.Addr(), err)
	}
	return s.StartWithListener(ln)
}

// StartWithListener serves on ln until Shutdown. It blocks; run it on its
// own goroutine. Tests use it with an ephemeral 127.0.0.1:0 listener.
func (s *Server) StartWithListener(ln net.Listener) error {
	s.logger.Info("HTTP server listening", "addr", ln.Addr().String())
	err := s.httpServer.Serve(ln)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown stops accepting connections and waits for in-flight requests
// until ctx expires. Live WebSockets are not waited on; close those through
// the session registry first.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
