package api

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHealthHandler(t *testing.T) {
	t.Run("healthy server reports all checks", func(t *testing.T) {
		s := newTestServer(t)

		rec := doRequest(t, s, http.MethodGet, "/health", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		resp := decodeBody[HealthResponse](t, rec)

		assert.Equal(t, healthStatusHealthy, resp.Status)
		assert.NotEmpty(t, resp.Version)
		assert.Equal(t, healthStatusHealthy, resp.Checks["storage"].Status)
		assert.Equal(t, healthStatusHealthy, resp.Checks["log_store"].Status)
		assert.Contains(t, resp.Checks["connections"].Message, "0 active")
	})

	t.Run("without log store only storage and connections are checked", func(t *testing.T) {
		s := newTestServer(t)
		s.cfg.Merkle = nil
		s.async = nil

		rec := doRequest(t, s, http.MethodGet, "/health", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		resp := decodeBody[HealthResponse](t, rec)

		assert.Equal(t, healthStatusHealthy, resp.Status)
		assert.NotContains(t, resp.Checks, "log_store")
	})
}
