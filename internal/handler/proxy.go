package handler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/labstack/echo/v4"

	"masquerade-proxy-go/internal/envelope"
	"masquerade-proxy-go/internal/metrics"
	"masquerade-proxy-go/internal/model"
	"masquerade-proxy-go/internal/service"
)

// ProxyHandler serves the /proxy envelope endpoint.
type ProxyHandler struct {
	service *service.RelayService
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// NewProxyHandler creates a ProxyHandler. The metrics parameter is optional.
func NewProxyHandler(svc *service.RelayService, logger *slog.Logger, m *metrics.Metrics) *ProxyHandler {
	return &ProxyHandler{
		service: svc,
		logger:  logger.With("component", "proxy_handler"),
		metrics: m,
	}
}

// Handle relays one request envelope. The envelope arrives as query
// parameters on GET, or as a form body on POST. Every outcome, failures
// included, is answered with HTTP 200 and a response envelope; the envelope
// status carries the result.
func (h *ProxyHandler) Handle(c echo.Context) error {
	params, err := h.params(c)
	if err != nil {
		return h.failure(c, &envelope.DecodeError{Field: "form", Err: err})
	}

	resp, err := h.service.Relay(c.Request().Context(), params)
	if err != nil {
		return h.failure(c, err)
	}
	return c.JSON(http.StatusOK, envelope.EncodeResponse(resp))
}

// params returns the envelope fields. Form bodies are parsed directly rather
// than through Request.ParseForm, which caps bodies at 10 MB; the size limit
// is the relay's BodyLimit middleware.
func (h *ProxyHandler) params(c echo.Context) (url.Values, error) {
	if c.Request().Method != http.MethodPost {
		return c.QueryParams(), nil
	}
	raw, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return nil, fmt.Errorf("read form: %w", err)
	}
	return url.ParseQuery(string(raw))
}

// failure maps a relay error onto a response envelope.
func (h *ProxyHandler) failure(c echo.Context, err error) error {
	status, kind, msg := classify(err)

	h.logger.Error("relay error",
		"kind", kind,
		"status", status,
		"err", err,
	)
	if h.metrics != nil {
		h.metrics.EnvelopeFailures.WithLabelValues(kind).Inc()
	}

	return c.JSON(http.StatusOK, envelope.EncodeResponse(&model.ResponseEnvelope{
		Status: status,
		Header: map[string]string{"Content-Type": "text/plain; charset=utf-8"},
		Body:   []byte(msg),
	}))
}

func classify(err error) (status int, kind, msg string) {
	var de *envelope.DecodeError
	switch {
	case errors.As(err, &de):
		return http.StatusBadRequest, "malformed_envelope", "malformed envelope: " + de.Error()
	case errors.Is(err, service.ErrInvalidTarget):
		return http.StatusBadRequest, "invalid_target", err.Error()
	case errors.Is(err, service.ErrUnsupportedMethod):
		return http.StatusBadRequest, "unsupported_method", err.Error()
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "timeout", "origin request timed out"
	case errors.Is(err, service.ErrBodyTooLarge):
		return http.StatusInternalServerError, "body_too_large", err.Error()
	case errors.Is(err, service.ErrDecompression):
		return http.StatusInternalServerError, "decompression", err.Error()
	default:
		return http.StatusInternalServerError, "transport", err.Error()
	}
}
