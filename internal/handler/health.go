package handler

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"masquerade-proxy-go/internal/config"
)

// Version is a string type for dependency injection of the build version.
type Version string

// HealthHandler serves liveness and status endpoints.
type HealthHandler struct {
	cfg     *config.Config
	version Version
	started time.Time
}

// NewHealthHandler creates a HealthHandler.
func NewHealthHandler(cfg *config.Config, v Version) *HealthHandler {
	return &HealthHandler{cfg: cfg, version: v, started: time.Now()}
}

// Healthz returns a simple OK response for liveness probes.
func (h *HealthHandler) Healthz(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status": "ok",
	})
}

type relayStatus struct {
	Status   string         `json:"status"`
	Version  string         `json:"version"`
	UptimeS  int64          `json:"uptime_s"`
	Outbound outboundStatus `json:"outbound"`
}

type outboundStatus struct {
	TimeoutS     int   `json:"timeout_s"`
	MaxBodyBytes int64 `json:"max_body_bytes"`
	MaxRetries   int   `json:"max_retries"`
	IdlePerHost  int   `json:"idle_connections_per_host"`
}

// Status reports the relay version, uptime and outbound limits.
func (h *HealthHandler) Status(c echo.Context) error {
	return c.JSON(http.StatusOK, relayStatus{
		Status:  "ok",
		Version: string(h.version),
		UptimeS: int64(time.Since(h.started).Seconds()),
		Outbound: outboundStatus{
			TimeoutS:     h.cfg.Outbound.TimeoutSeconds,
			MaxBodyBytes: h.cfg.Outbound.MaxBodyBytes,
			MaxRetries:   h.cfg.Outbound.MaxRetries,
			IdlePerHost:  h.cfg.Outbound.IdleConnections,
		},
	})
}
