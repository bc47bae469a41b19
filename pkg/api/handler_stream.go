package api

import (
	"net/http"
	"net/url"
	"sort"

	echo "github.com/labstack/echo/v5"

	"github.com/quillstream/quillstream/pkg/blob"
	"github.com/quillstream/quillstream/pkg/merkle"
)

// streamKeyParam extracts and unescapes the :key path parameter. Session
// keys are canonical JSON, so clients path-escape them.
func streamKeyParam(c *echo.Context) (string, error) {
	raw := c.Param("key")
	if raw == "" {
		return "", echo.NewHTTPError(http.StatusBadRequest, "stream key is required")
	}
	key, err := url.PathUnescape(raw)
	if err != nil {
		return "", echo.NewHTTPError(http.StatusBadRequest, "malformed stream key")
	}
	return key, nil
}

// requireLogStore answers 503 on every stream endpoint when the server runs
// without the Merkle log store (legacy flat-file intake).
func (s *Server) requireLogStore() error {
	if s.async == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "log store not enabled")
	}
	return nil
}

// listStreamsHandler handles GET /api/v1/streams.
// The optional kind query parameter filters by stream kind (session, closed,
// tombstone, blob, other).
func (s *Server) listStreamsHandler(c *echo.Context) error {
	if err := s.requireLogStore(); err != nil {
		return err
	}

	keys, err := s.async.Engine().Store().Keys(c.Request().Context())
	if err != nil {
		return mapError(err)
	}

	kind := c.QueryParam("kind")
	streams := make([]StreamSummary, 0, len(keys))
	for _, key := range keys {
		summary := summarizeKey(key)
		if kind != "" && summary.Kind != kind {
			continue
		}
		streams = append(streams, summary)
	}
	sort.Slice(streams, func(i, j int) bool { return streams[i].Key < streams[j].Key })

	return c.JSON(http.StatusOK, &StreamListResponse{Streams: streams, Count: len(streams)})
}

// getStreamHandler handles GET /api/v1/streams/:key.
func (s *Server) getStreamHandler(c *echo.Context) error {
	if err := s.requireLogStore(); err != nil {
		return err
	}
	key, err := streamKeyParam(c)
	if err != nil {
		return err
	}

	items, err := s.async.Engine().Items(c.Request().Context(), key)
	if err != nil {
		return mapError(err)
	}

	resp := &StreamResponse{Key: key, Items: items, Count: len(items)}
	if descriptor, ok := merkle.ParseSessionKey(key); ok {
		resp.Descriptor = descriptor
	}
	return c.JSON(http.StatusOK, resp)
}

// verifyStreamHandler handles POST /api/v1/streams/:key/verify. Chain
// verification runs on the engine pool so it serializes with appends to the
// same stream.
func (s *Server) verifyStreamHandler(c *echo.Context) error {
	if err := s.requireLogStore(); err != nil {
		return err
	}
	key, err := streamKeyParam(c)
	if err != nil {
		return err
	}

	if err := <-s.async.VerifyChain(c.Request().Context(), key); err != nil {
		return mapError(err)
	}
	items, err := s.async.Engine().Items(c.Request().Context(), key)
	if err != nil {
		return mapError(err)
	}
	return c.JSON(http.StatusOK, &VerifyResponse{Key: key, Valid: true, Items: len(items)})
}

// deleteStreamHandler handles DELETE /api/v1/streams/:key. The stream's
// payloads are destroyed; a tombstone carrying the chain hashes takes its
// place.
func (s *Server) deleteStreamHandler(c *echo.Context) error {
	if err := s.requireLogStore(); err != nil {
		return err
	}
	key, err := streamKeyParam(c)
	if err != nil {
		return err
	}

	var req DeleteStreamRequest
	if c.Request().ContentLength > 0 {
		if err := c.Bind(&req); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "malformed request body")
		}
	}

	tomb, err := s.async.Engine().DeleteWithTombstone(c.Request().Context(), key, req.Reason)
	if err != nil {
		return mapError(err)
	}
	return c.JSON(http.StatusOK, &DeleteStreamResponse{
		TombstoneKey: merkle.TombstoneKey(key),
		Tombstone:    tomb,
	})
}

// breakSessionHandler handles POST /api/v1/sessions/:key/break. The live
// session is checkpointed: its chain so far is sealed under a final hash and
// a continuation opens under the same key.
func (s *Server) breakSessionHandler(c *echo.Context) error {
	if err := s.requireLogStore(); err != nil {
		return err
	}
	key, err := streamKeyParam(c)
	if err != nil {
		return err
	}

	res := <-s.async.Break(c.Request().Context(), key)
	if res.Err != nil {
		return mapError(res.Err)
	}
	return c.JSON(http.StatusOK, &BreakSessionResponse{Key: res.SessionKey, Broken: true})
}

// listConnectionsHandler handles GET /api/v1/connections.
func (s *Server) listConnectionsHandler(c *echo.Context) error {
	infos := s.registry.List()
	return c.JSON(http.StatusOK, &ConnectionListResponse{Connections: infos, Count: len(infos)})
}

// summarizeKey classifies a storage key by its shape. Open sessions carry
// canonical-JSON descriptor keys, closed streams are addressed by hex final
// hash, tombstones and blob versions carry reserved prefixes.
func summarizeKey(key string) StreamSummary {
	if merkle.IsTombstoneKey(key) {
		return StreamSummary{Key: key, Kind: "tombstone"}
	}
	if blob.IsStreamKey(key) {
		return StreamSummary{Key: key, Kind: "blob"}
	}
	if descriptor, ok := merkle.ParseSessionKey(key); ok {
		return StreamSummary{Key: key, Kind: "session", Descriptor: descriptor}
	}
	if isHexKey(key) {
		return StreamSummary{Key: key, Kind: "closed"}
	}
	return StreamSummary{Key: key, Kind: "other"}
}

// isHexKey reports whether key looks like a (possibly truncated) hex hash.
func isHexKey(key string) bool {
	if len(key) < 8 || len(key)%2 != 0 {
		return false
	}
	for i := 0; i < len(key); i++ {
		c := key[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}
