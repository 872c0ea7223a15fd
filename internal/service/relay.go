// Package service implements the relay executor: it turns a request envelope
// into a real outbound call and a normalized response envelope.
package service

import (
	"bufio"
	"bytes"
	"compress/flate"
	"compress/gzip"
	"compress/zlib"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"syscall"
	"time"

	"masquerade-proxy-go/internal/client"
	"masquerade-proxy-go/internal/config"
	"masquerade-proxy-go/internal/envelope"
	"masquerade-proxy-go/internal/metrics"
	"masquerade-proxy-go/internal/model"
)

var (
	// ErrInvalidTarget is returned when the target is not an absolute http(s) URL.
	ErrInvalidTarget = errors.New("invalid target URL")
	// ErrUnsupportedMethod is returned for methods other than GET, POST, PUT and DELETE.
	ErrUnsupportedMethod = errors.New("unsupported method")
	// ErrBodyTooLarge is returned when a response body exceeds outbound.max_body_bytes.
	ErrBodyTooLarge = errors.New("response body exceeds size limit")
	// ErrDecompression is returned when a gzip or deflate body cannot be decoded.
	ErrDecompression = errors.New("decompression failed")
)

var allowedMethods = map[string]bool{
	http.MethodGet:    true,
	http.MethodPost:   true,
	http.MethodPut:    true,
	http.MethodDelete: true,
}

// idempotentMethods may be retried after a transient transport error.
var idempotentMethods = map[string]bool{
	http.MethodGet:    true,
	http.MethodDelete: true,
}

// strippedRequestHeaders are request-scoped headers never sent to the origin.
var strippedRequestHeaders = []string{
	"Host",
	"Connection",
	"Cache-Control",
	"Keep-Alive",
	"Proxy-Connection",
	"Proxy-Authorization",
	"TE",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
	"Content-Length",
	"Accept-Encoding",
}

// strippedResponseHeaders never appear in a response envelope. The body is
// always identity-encoded, and Content-Length is recomputed.
var strippedResponseHeaders = map[string]bool{
	"Connection":          true,
	"Keep-Alive":          true,
	"Proxy-Authenticate":  true,
	"Proxy-Authorization": true,
	"Proxy-Connection":    true,
	"Te":                  true,
	"Trailer":             true,
	"Transfer-Encoding":   true,
	"Upgrade":             true,
	"Content-Encoding":    true,
	"Content-Length":      true,
}

// RelayService executes request envelopes against origin servers.
type RelayService struct {
	client  *client.OriginClient
	cfg     *config.Config
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// NewRelayService creates a RelayService around a shared OriginClient.
// The metrics parameter is optional.
func NewRelayService(c *client.OriginClient, cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *RelayService {
	return &RelayService{
		client:  c,
		cfg:     cfg,
		logger:  logger.With("component", "relay_service"),
		metrics: m,
	}
}

// Relay decodes the wire form of a request envelope, performs the outbound
// call and returns the normalized response envelope.
//
// Errors are one of *envelope.DecodeError, ErrInvalidTarget,
// ErrUnsupportedMethod, ErrBodyTooLarge, ErrDecompression, an error wrapping
// context.DeadlineExceeded for timeouts, or a transport error.
func (s *RelayService) Relay(ctx context.Context, wire url.Values) (*model.ResponseEnvelope, error) {
	env, dropped, err := envelope.DecodeRequest(wire)
	if err != nil {
		return nil, err
	}
	for _, d := range dropped {
		s.logger.Warn("dropped request header", "name", d.Name, "reason", d.Reason)
	}
	return s.Execute(ctx, env)
}

// Execute performs the outbound call for an already decoded envelope.
func (s *RelayService) Execute(ctx context.Context, env *model.RequestEnvelope) (*model.ResponseEnvelope, error) {
	target, err := parseTarget(env.Target)
	if err != nil {
		return nil, err
	}
	if !allowedMethods[env.Method] {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedMethod, env.Method)
	}

	header := s.outboundHeader(env.Header)
	var body []byte
	if env.Method == http.MethodPost || env.Method == http.MethodPut {
		body = env.Body
		if body == nil {
			body = []byte{}
		}
	}

	ctx, cancel := context.WithTimeout(ctx, s.cfg.Outbound.Timeout())
	defer cancel()

	s.logger.Debug("relaying request",
		"method", env.Method,
		"host", target.Host,
	)

	status, respHeader, raw, err := s.dispatch(ctx, env.Method, target.String(), header, body)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("outbound %s %s: %w", env.Method, target.Host, context.DeadlineExceeded)
		}
		return nil, err
	}

	decoded, err := decodeBody(respHeader.Get("Content-Encoding"), raw, s.cfg.Outbound.MaxBodyBytes)
	if err != nil {
		return nil, err
	}

	return &model.ResponseEnvelope{
		Status: status,
		Header: normalizeHeader(respHeader, len(decoded)),
		Body:   decoded,
	}, nil
}

// dispatch sends the request, retrying idempotent methods after transient
// transport errors, and reads the full response body.
func (s *RelayService) dispatch(ctx context.Context, method, target string, header http.Header, body []byte) (int, http.Header, []byte, error) {
	retries := 0
	if idempotentMethods[method] {
		retries = s.cfg.Outbound.MaxRetries
	}
	backoff := time.Duration(s.cfg.Outbound.RetryBackoffMillis) * time.Millisecond

	for attempt := 0; ; attempt++ {
		resp, err := s.client.Send(ctx, method, target, header.Clone(), body)
		if err == nil {
			raw, rerr := readLimited(resp.Body, s.cfg.Outbound.MaxBodyBytes)
			_ = resp.Body.Close()
			if rerr != nil {
				return 0, nil, nil, rerr
			}
			return resp.StatusCode, resp.Header, raw, nil
		}
		if attempt >= retries || ctx.Err() != nil || !isTransient(err) {
			return 0, nil, nil, err
		}

		wait := backoff << attempt
		s.logger.Info("retrying outbound request",
			"method", method,
			"attempt", attempt+1,
			"wait_ms", wait.Milliseconds(),
			"err", err,
		)
		if s.metrics != nil {
			s.metrics.OutboundRetries.Inc()
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return 0, nil, nil, err
		case <-timer.C:
		}
	}
}

// isTransient reports whether a failed origin call may succeed when repeated:
// refused or reset connections, a peer hanging up before answering, and
// network timeouts. Protocol, TLS and URL errors are final.
func isTransient(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func (s *RelayService) outboundHeader(src map[string]string) http.Header {
	dst := make(http.Header, len(src)+2)
	for name, value := range src {
		dst[http.CanonicalHeaderKey(name)] = []string{value}
	}
	for _, name := range strippedRequestHeaders {
		dst.Del(name)
	}
	dst.Set("Cache-Control", "no-cache")
	// Only encodings the relay can undo are offered to the origin.
	dst.Set("Accept-Encoding", "gzip, deflate")
	return dst
}

func parseTarget(raw string) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidTarget, err)
	}
	if !u.IsAbs() || u.Host == "" {
		return nil, fmt.Errorf("%w: %q is not absolute", ErrInvalidTarget, raw)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("%w: unsupported scheme %q", ErrInvalidTarget, u.Scheme)
	}
	return u, nil
}

// readLimited reads r to EOF, failing once more than limit bytes arrive.
func readLimited(r io.Reader, limit int64) ([]byte, error) {
	b, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}
	if int64(len(b)) > limit {
		return nil, fmt.Errorf("%w (%d bytes)", ErrBodyTooLarge, limit)
	}
	return b, nil
}

// decodeBody undoes a gzip or deflate Content-Encoding. Any other encoding is
// passed through unchanged.
func decodeBody(encoding string, raw []byte, limit int64) ([]byte, error) {
	var (
		rd  io.ReadCloser
		err error
	)
	switch strings.ToLower(strings.TrimSpace(encoding)) {
	case "gzip", "x-gzip":
		rd, err = gzip.NewReader(bytes.NewReader(raw))
	case "deflate":
		rd, err = newDeflateReader(raw)
	default:
		return raw, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDecompression, err)
	}
	defer func() { _ = rd.Close() }()

	out, err := readLimited(rd, limit)
	if err != nil {
		if errors.Is(err, ErrBodyTooLarge) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %w", ErrDecompression, err)
	}
	return out, nil
}

// newDeflateReader accepts both zlib-wrapped deflate (RFC 9110) and the raw
// deflate streams some servers send instead.
func newDeflateReader(raw []byte) (io.ReadCloser, error) {
	br := bufio.NewReader(bytes.NewReader(raw))
	if hdr, err := br.Peek(2); err == nil && isZlibHeader(hdr) {
		return zlib.NewReader(br)
	}
	return flate.NewReader(br), nil
}

func isZlibHeader(b []byte) bool {
	return b[0]&0x0f == 8 && (uint16(b[0])<<8|uint16(b[1]))%31 == 0
}

func normalizeHeader(src http.Header, length int) map[string]string {
	dst := make(map[string]string, len(src)+1)
	for name, values := range src {
		if len(values) == 0 || strippedResponseHeaders[http.CanonicalHeaderKey(name)] {
			continue
		}
		dst[name] = values[len(values)-1]
	}
	dst["Content-Length"] = strconv.Itoa(length)
	return dst
}
