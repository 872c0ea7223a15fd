package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"
)

// ProxyPath is the envelope endpoint. Short envelopes arrive as a GET query,
// long ones as a POST form; both carry the same target field.
const ProxyPath = "/proxy"

// RegisterRoutes mounts the relay endpoints.
func RegisterRoutes(e *echo.Echo, proxy *ProxyHandler, health *HealthHandler) {
	e.GET("/healthz", health.Healthz)
	e.GET("/relay/status", health.Status)

	e.Match([]string{http.MethodGet, http.MethodPost}, ProxyPath, proxy.Handle)
}
