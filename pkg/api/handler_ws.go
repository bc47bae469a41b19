package api

import (
	"net"
	"net/http"

	"github.com/coder/websocket"
	echo "github.com/labstack/echo/v5"

	"github.com/quillstream/quillstream/pkg/auth"
	"github.com/quillstream/quillstream/pkg/pipeline"
)

// wsHandler upgrades GET /ws/events to a WebSocket and runs the event
// pipeline for the connection. It blocks until the socket closes, so the
// request goroutine is the connection's lifetime.
func (s *Server) wsHandler(c *echo.Context) error {
	decoder, err := s.newDecoder(c.Request())
	if err != nil {
		s.logger.Error("decoder unavailable", "error", err)
		return echo.NewHTTPError(http.StatusServiceUnavailable, "event intake not available")
	}

	sock, err := websocket.Accept(c.Response(), c.Request(), s.acceptOptions())
	if err != nil {
		return err
	}

	deps := pipeline.Deps{
		Decoder:   decoder,
		Auth:      s.authChain(c.Request()),
		Blacklist: s.blacklist,
		Blobs:     s.blobs,
		Reducers:  s.reducers,
		MainLog:   s.mainLog,
		Logs:      s.cfg.Logs,
		Server: pipeline.ServerInfo{
			Origin: c.Request().Header.Get("Origin"),
			Agent:  c.Request().Header.Get("User-Agent"),
			IP:     clientIP(c.Request()),
		},
		Logger: s.logger,
	}

	conn := pipeline.NewConnection(sock, deps, s.cfg.Pipeline)
	s.registry.Add(conn)
	defer s.registry.Remove(conn.ID())

	conn.Run(c.Request().Context())
	return nil
}

func (s *Server) acceptOptions() *websocket.AcceptOptions {
	if len(s.cfg.Server.AllowedOrigins) > 0 {
		return &websocket.AcceptOptions{OriginPatterns: s.cfg.Server.AllowedOrigins}
	}
	// No allowlist configured: same-origin only, except in dev mode where
	// local tools connect from arbitrary origins.
	return &websocket.AcceptOptions{InsecureSkipVerify: s.cfg.DevMode}
}

// newDecoder picks the event decoder for one connection: session-chained
// when the Merkle log store is configured, flat per-connection files
// otherwise.
func (s *Server) newDecoder(r *http.Request) (pipeline.Decoder, error) {
	if s.cfg.MerkleEnabled() {
		return pipeline.NewMerkleDecoder(s.async, pipeline.MerkleDecoderConfig{
			Headers:   r.Header,
			BufferCap: s.cfg.Pipeline.PreSessionBuffer,
			Logger:    s.logger,
		}), nil
	}
	return pipeline.NewLegacyDecoder(s.cfg.Logs.Dir, remoteIP(r), r.Header.Get("X-Forwarded-For"))
}

// authChain builds the per-connection resolver chain. Resolvers hold
// per-connection state, so the chain is never shared. Header identities come
// from the fronting proxy; the scripted test-framework resolver is honored
// only in dev mode.
func (s *Server) authChain(r *http.Request) *auth.Chain {
	resolvers := []auth.Resolver{auth.NewHeaderResolver(s.cfg.Auth, r.Header)}
	if s.cfg.DevMode {
		resolvers = append(resolvers, auth.NewTestFrameworkResolver())
	}
	return auth.NewChain(resolvers...)
}

// clientIP prefers the proxy-set header and falls back to the peer address.
func clientIP(r *http.Request) string {
	if ip := r.Header.Get("X-Real-IP"); ip != "" {
		return ip
	}
	return remoteIP(r)
}

func remoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
