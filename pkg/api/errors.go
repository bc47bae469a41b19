package api

import (
	"errors"
	"log/slog"
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/quillstream/quillstream/pkg/auth"
	"github.com/quillstream/quillstream/pkg/blacklist"
	"github.com/quillstream/quillstream/pkg/canonical"
	"github.com/quillstream/quillstream/pkg/merkle"
	"github.com/quillstream/quillstream/pkg/pipeline"
	"github.com/quillstream/quillstream/pkg/storage"
)

// mapError maps engine and pipeline errors to HTTP error responses.
func mapError(err error) *echo.HTTPError {
	if errors.Is(err, canonical.ErrInvalidInput) || errors.Is(err, pipeline.ErrInvalidInput) {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if errors.Is(err, auth.ErrUnauthorized) {
		return echo.NewHTTPError(http.StatusUnauthorized, "unauthorized")
	}
	if errors.Is(err, blacklist.ErrSuspicious) {
		return echo.NewHTTPError(http.StatusForbidden, err.Error())
	}
	if errors.Is(err, storage.ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "stream not found")
	}
	if errors.Is(err, merkle.ErrIntegrity) {
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	}
	if errors.Is(err, merkle.ErrStopped) {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "log store is shutting down")
	}

	// Unexpected error
	slog.Error("Unexpected API error", "error", err)
	return echo.NewHTTPError(http.StatusInternalServerError, "internal server error")
}
