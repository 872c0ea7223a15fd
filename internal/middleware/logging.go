// Package middleware provides Echo middleware for the relay server.
package middleware

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
)

// RequestLogger logs one line per relay request. Query strings carry whole
// base64 envelopes and are never logged; only their size is.
//
// Transport-level failures (status >= 500) are logged at warn level. Envelope
// failures travel inside a 200 response and are logged by the proxy handler.
func RequestLogger(logger *slog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)

			req := c.Request()
			res := c.Response()

			transport := "query"
			if req.Method == http.MethodPost {
				transport = "form"
			}

			level := slog.LevelInfo
			if res.Status >= http.StatusInternalServerError {
				level = slog.LevelWarn
			}
			logger.Log(req.Context(), level, "request",
				"method", req.Method,
				"path", req.URL.Path,
				"transport", transport,
				"status", res.Status,
				"duration_ms", time.Since(start).Milliseconds(),
				"request_id", res.Header().Get(echo.HeaderXRequestID),
				"remote_ip", c.RealIP(),
				"envelope_bytes", max(req.ContentLength, 0)+int64(len(req.URL.RawQuery)),
				"bytes_out", res.Size,
			)

			return err
		}
	}
}
