package middleware

import (
	"github.com/labstack/echo/v4"
)

// hopByHopHeaders are headers meaningful only for the ingress-to-relay leg.
var hopByHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Proxy-Connection",
	"TE",
	"Trailer",
	"Upgrade",
}

// EnvelopeHeaders returns an Echo middleware that strips hop-by-hop headers
// from relay requests and marks envelope responses as non-cacheable and
// non-sniffable.
func EnvelopeHeaders() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			for _, h := range hopByHopHeaders {
				c.Request().Header.Del(h)
			}

			h := c.Response().Header()
			h.Set("X-Content-Type-Options", "nosniff")
			h.Set("Cache-Control", "no-store")

			return next(c)
		}
	}
}
