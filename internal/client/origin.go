// Package client provides the HTTP clients of both hops: the pooled origin
// client used by the relay and the relay client used by the ingress.
package client

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"masquerade-proxy-go/internal/config"
	"masquerade-proxy-go/internal/metrics"
)

// OriginClient sends requests to origin servers over a shared connection pool.
// It is safe for concurrent use.
type OriginClient struct {
	httpClient *http.Client
	logger     *slog.Logger
	metrics    *metrics.Metrics
}

// NewOriginClient creates an OriginClient with per-host connection pooling.
// The metrics parameter is optional; pass nil to disable outbound metrics recording.
//
// No client-wide timeout is set: the caller bounds every exchange with a
// context deadline so that a timeout cancels the in-flight connection.
func NewOriginClient(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *OriginClient {
	transport := &http.Transport{
		MaxIdleConns:        cfg.Outbound.IdleConnections * 4,
		MaxIdleConnsPerHost: cfg.Outbound.IdleConnections,
		IdleConnTimeout:     time.Duration(cfg.Outbound.IdleTimeoutSeconds) * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
		ForceAttemptHTTP2:   true,
		// Content-Encoding is negotiated and undone by the relay itself.
		DisableCompression: true,
		DialContext: (&net.Dialer{
			Timeout:   time.Duration(cfg.Outbound.DialTimeoutSeconds) * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
	}

	return &OriginClient{
		httpClient: &http.Client{Transport: transport},
		logger:     logger.With("component", "origin_client"),
		metrics:    m,
	}
}

// Do executes an HTTP request against an origin and returns the raw response.
// The caller is responsible for closing the response body.
func (c *OriginClient) Do(req *http.Request) (*http.Response, error) {
	c.logger.Debug("origin request",
		"method", req.Method,
		"host", req.URL.Host,
	)

	start := time.Now()
	resp, err := c.httpClient.Do(req) //nolint:bodyclose // body ownership transfers to caller
	duration := time.Since(start).Seconds()

	method := metrics.NormalizeMethod(req.Method)

	if err != nil {
		if c.metrics != nil {
			c.metrics.OutboundDuration.WithLabelValues(method).Observe(duration)
		}
		return nil, fmt.Errorf("origin request: %w", err)
	}

	if c.metrics != nil {
		status := strconv.Itoa(resp.StatusCode)
		c.metrics.OutboundDuration.WithLabelValues(method).Observe(duration)
		c.metrics.OutboundResponses.WithLabelValues(method, status).Inc()
	}

	return resp, nil
}

// Send builds and executes a request. A nil body sends none. The context
// controls the lifetime of the whole exchange, including the body read.
func (c *OriginClient) Send(ctx context.Context, method, url string, header http.Header, body []byte) (*http.Response, error) {
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, rd)
	if err != nil {
		return nil, fmt.Errorf("build origin request: %w", err)
	}
	req.Header = header

	return c.Do(req)
}

// CloseIdleConnections drops idle pooled connections.
func (c *OriginClient) CloseIdleConnections() {
	c.httpClient.CloseIdleConnections()
}
