package handler

import (
	"context"
	"net/http"

	"github.com/labstack/echo/v4"

	"pontohub-proxy-go/internal/config"
	"pontohub-proxy-go/internal/model"
	"pontohub-proxy-go/internal/supervisor"
)

// Version is a string type for dependency injection of the build version.
type Version string

// BackendProber probes the backend health endpoint once.
type BackendProber interface {
	CheckHealth(ctx context.Context) model.BackendStatus
}

// BackendStateReader reports the supervisor's view of the backend process.
type BackendStateReader interface {
	State() supervisor.State
}

// HealthHandler serves the service info and health endpoints.
type HealthHandler struct {
	cfg     *config.Config
	version Version
	prober  BackendProber
	states  BackendStateReader
}

// NewHealthHandler creates a HealthHandler.
func NewHealthHandler(cfg *config.Config, v Version, prober BackendProber, states BackendStateReader) *HealthHandler {
	return &HealthHandler{cfg: cfg, version: v, prober: prober, states: states}
}

// Index describes the proxy service.
func (h *HealthHandler) Index(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"service":     h.cfg.Service.Title,
		"status":      "running",
		"version":     string(h.version),
		"description": h.cfg.Service.Description,
	})
}

// Health reports the proxy as up and includes a live backend probe, bounded by
// the health client timeout. The proxy status is "ok" whatever the backend
// answers.
func (h *HealthHandler) Health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status":         "ok",
		"service":        h.cfg.Service.Name,
		"backend_status": string(h.prober.CheckHealth(c.Request().Context())),
		"backend_state":  h.states.State().String(),
		"version":        string(h.version),
	})
}
