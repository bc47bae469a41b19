package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	echo "github.com/labstack/echo/v5"

	"github.com/quillstream/quillstream/pkg/version"
)

const (
	healthStatusHealthy   = "healthy"
	healthStatusDegraded  = "degraded"
	healthStatusUnhealthy = "unhealthy"
)

// healthProbeKey is the key used to exercise the storage driver. It is never
// created; Exists on a missing key still round-trips the backend.
const healthProbeKey = "__health_probe__"

// healthHandler handles GET /health.
// Returns a minimal, safe response suitable for unauthenticated access.
// Only the server's own components (storage, log store pool) are checked, so
// an orchestrator never restarts the server over someone else's outage.
func (s *Server) healthHandler(c *echo.Context) error {
	reqCtx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()

	checks := make(map[string]HealthCheck)
	status := healthStatusHealthy

	if _, err := s.store.Exists(reqCtx, healthProbeKey); err != nil {
		status = healthStatusUnhealthy
		checks["storage"] = HealthCheck{Status: healthStatusUnhealthy, Message: err.Error()}
	} else {
		checks["storage"] = HealthCheck{Status: healthStatusHealthy}
	}

	if s.async != nil {
		stats := s.async.Stats()
		check := HealthCheck{Status: healthStatusHealthy}
		capacity := 0
		if s.cfg.MerkleEnabled() {
			capacity = stats.Workers * s.cfg.Merkle.Async.QueueDepth
		}
		if capacity > 0 && stats.Pending >= capacity {
			check = HealthCheck{
				Status:  healthStatusDegraded,
				Message: fmt.Sprintf("task queues saturated: %d pending", stats.Pending),
			}
			if status == healthStatusHealthy {
				status = healthStatusDegraded
			}
		}
		checks["log_store"] = check
	}

	checks["connections"] = HealthCheck{
		Status:  healthStatusHealthy,
		Message: fmt.Sprintf("%d active", s.registry.Len()),
	}

	httpStatus := http.StatusOK
	if status == healthStatusUnhealthy {
		httpStatus = http.StatusServiceUnavailable
	}

	return c.JSON(httpStatus, &HealthResponse{
		Status:  status,
		Version: version.GitCommit,
		Checks:  checks,
	})
}
