package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"masquerade-proxy-go/internal/config"
	"masquerade-proxy-go/internal/envelope"
	"masquerade-proxy-go/internal/metrics"
	"masquerade-proxy-go/internal/model"
)

// ErrRelayUnavailable wraps every failure to obtain a usable response envelope
// from the relay.
var ErrRelayUnavailable = errors.New("relay unavailable")

// relayGrace is added to the outbound timeout so the relay can report a 504
// before the ingress gives up on it.
const relayGrace = 5 * time.Second

// RelayClient performs the ingress side of the envelope round trip.
type RelayClient struct {
	httpClient *http.Client
	endpoint   string
	maxQuery   int
	logger     *slog.Logger
	metrics    *metrics.Metrics
}

// NewRelayClient creates a RelayClient for cfg.Ingress.RelayURL.
// The metrics parameter is optional.
func NewRelayClient(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) (*RelayClient, error) {
	base, err := url.Parse(cfg.Ingress.RelayURL)
	if err != nil {
		return nil, fmt.Errorf("parse relay_url: %w", err)
	}
	base.Path = strings.TrimSuffix(base.Path, "/") + "/proxy"
	base.RawQuery = ""

	transport := &http.Transport{
		MaxIdleConns:        64,
		MaxIdleConnsPerHost: 64,
		IdleConnTimeout:     90 * time.Second,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
	}

	return &RelayClient{
		httpClient: &http.Client{
			Transport: transport,
			Timeout:   cfg.Outbound.Timeout() + relayGrace,
		},
		endpoint: base.String(),
		maxQuery: cfg.Ingress.MaxQueryBytes,
		logger:   logger.With("component", "relay_client"),
		metrics:  m,
	}, nil
}

// RoundTrip sends env to the relay and returns the decoded response envelope.
// Envelopes whose query string would exceed the configured limit are sent as
// a POST form carrying the same four fields.
func (c *RelayClient) RoundTrip(ctx context.Context, env *model.RequestEnvelope) (*model.ResponseEnvelope, error) {
	wire, err := envelope.EncodeRequest(env)
	if err != nil {
		return nil, err
	}
	query := wire.Encode()

	var req *http.Request
	if len(query) <= c.maxQuery {
		req, err = http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint+"?"+query, http.NoBody)
	} else {
		req, err = http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, strings.NewReader(query))
		if err == nil {
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		}
	}
	if err != nil {
		return nil, fmt.Errorf("build relay request: %w", err)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if c.metrics != nil {
		c.metrics.RelayDuration.Observe(time.Since(start).Seconds())
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrRelayUnavailable, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("%w: relay answered %s", ErrRelayUnavailable, resp.Status)
	}

	var w envelope.WireResponse
	if err := json.NewDecoder(resp.Body).Decode(&w); err != nil {
		return nil, fmt.Errorf("%w: decode response: %w", ErrRelayUnavailable, err)
	}
	out, dropped, err := envelope.DecodeResponse(&w)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrRelayUnavailable, err)
	}
	for _, d := range dropped {
		c.logger.Warn("dropped response header", "name", d.Name, "reason", d.Reason)
	}
	return out, nil
}
