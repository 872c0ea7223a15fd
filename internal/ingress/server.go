// Package ingress implements the client-facing listener: it reads one raw
// HTTP request per connection and either tunnels it (CONNECT) or forwards it
// to the relay as an envelope.
package ingress

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"slices"
	"strconv"
	"sync"
	"time"

	"masquerade-proxy-go/internal/config"
	"masquerade-proxy-go/internal/envelope"
	"masquerade-proxy-go/internal/metrics"
	"masquerade-proxy-go/internal/model"
)

const badGatewayResponse = "HTTP/1.1 502 Bad Gateway\r\nContent-Length: 0\r\nConnection: close\r\n\r\n"

// Relayer performs the envelope round trip to the relay.
type Relayer interface {
	RoundTrip(ctx context.Context, env *model.RequestEnvelope) (*model.ResponseEnvelope, error)
}

// Tunneler serves CONNECT sessions.
type Tunneler interface {
	Serve(ctx context.Context, client net.Conn, target string, buffered []byte) (*model.TunnelSession, error)
}

// Server accepts client connections and handles one request per connection.
type Server struct {
	cfg     *config.IngressConfig
	relay   Relayer
	tunnels Tunneler
	logger  *slog.Logger
	metrics *metrics.Metrics

	// baseCtx is cancelled when Shutdown gives up waiting. tunnelCtx, derived
	// from it, is cancelled as soon as Shutdown starts.
	baseCtx      context.Context
	cancelBase   context.CancelFunc
	tunnelCtx    context.Context
	cancelTunnel context.CancelFunc

	mu      sync.Mutex
	ln      net.Listener
	conns   map[net.Conn]struct{}
	closing bool
	wg      sync.WaitGroup
}

// NewServer creates an ingress Server. The metrics parameter is optional.
func NewServer(cfg *config.Config, relay Relayer, tunnels Tunneler, logger *slog.Logger, m *metrics.Metrics) *Server {
	base, cancelBase := context.WithCancel(context.Background())
	tunnelCtx, cancelTunnel := context.WithCancel(base)
	return &Server{
		cfg:          &cfg.Ingress,
		relay:        relay,
		tunnels:      tunnels,
		logger:       logger.With("component", "ingress"),
		metrics:      m,
		baseCtx:      base,
		cancelBase:   cancelBase,
		tunnelCtx:    tunnelCtx,
		cancelTunnel: cancelTunnel,
		conns:        make(map[net.Conn]struct{}),
	}
}

// Serve accepts connections on ln until Shutdown is called. It returns nil
// after a Shutdown and the accept error otherwise.
func (s *Server) Serve(ln net.Listener) error {
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		_ = ln.Close()
		return nil
	}
	s.ln = ln
	s.mu.Unlock()

	var backoff time.Duration
	for {
		conn, err := ln.Accept()
		if err != nil {
			if s.isClosing() {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				backoff = min(max(2*backoff, 5*time.Millisecond), time.Second)
				s.logger.Warn("accept failed, retrying", "err", err, "backoff_ms", backoff.Milliseconds())
				time.Sleep(backoff)
				continue
			}
			return fmt.Errorf("accept: %w", err)
		}
		backoff = 0

		if !s.track(conn) {
			_ = conn.Close()
			return nil
		}
		s.wg.Go(func() {
			defer s.untrack(conn)
			s.handle(conn)
		})
	}
}

// Shutdown stops accepting, cancels open tunnels and waits for in-flight
// exchanges. When ctx expires first, remaining connections are closed.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closing = true
	ln := s.ln
	s.mu.Unlock()

	if ln != nil {
		_ = ln.Close()
	}
	s.cancelTunnel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.cancelBase()
		return nil
	case <-ctx.Done():
		s.cancelBase()
		s.mu.Lock()
		for c := range s.conns {
			_ = c.Close()
		}
		s.mu.Unlock()
		<-done
		return ctx.Err()
	}
}

func (s *Server) isClosing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closing
}

func (s *Server) track(c net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		return false
	}
	s.conns[c] = struct{}{}
	return true
}

func (s *Server) untrack(c net.Conn) {
	_ = c.Close()
	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
}

// handle runs one exchange. Parse failures close the connection silently.
func (s *Server) handle(conn net.Conn) {
	start := time.Now()
	_ = conn.SetReadDeadline(start.Add(s.cfg.ReadTimeout()))

	head, rest, err := newHeadReader(conn, s.cfg.MaxHeaderBytes).read()
	if err != nil {
		s.reject(conn, "read head", err)
		return
	}
	req, err := parseHead(head)
	if err != nil {
		s.reject(conn, "parse head", err)
		return
	}

	if req.Method == http.MethodConnect {
		_ = conn.SetReadDeadline(time.Time{})
		s.count("tunnel")
		if _, err := s.tunnels.Serve(s.tunnelCtx, conn, req.Target, rest); err != nil {
			s.logger.Debug("tunnel ended with error", "target", req.Target, "err", err)
		}
		return
	}

	n, err := contentLength(req, s.cfg.MaxBodyBytes)
	if err != nil {
		s.reject(conn, "content length", err)
		return
	}
	req.Body, err = readBody(conn, rest, n)
	if err != nil {
		s.reject(conn, "read body", err)
		return
	}
	_ = conn.SetReadDeadline(time.Time{})
	req.Target = absoluteTarget(req)
	s.count("relay")

	status := s.exchange(conn, req)
	s.logger.Info("exchange",
		"method", req.Method,
		"target", req.Target,
		"status", status,
		"duration_ms", time.Since(start).Milliseconds(),
	)
}

// exchange forwards req to the relay and writes the answer to conn. It
// returns the status written to the client.
func (s *Server) exchange(conn net.Conn, req *model.InboundRequest) int {
	resp, err := s.relay.RoundTrip(s.baseCtx, envelope.FromInbound(req))
	_ = conn.SetWriteDeadline(time.Now().Add(s.cfg.ReadTimeout()))

	if err != nil {
		s.logger.Warn("relay round trip failed", "target", req.Target, "err", err)
		_, _ = io.WriteString(conn, badGatewayResponse)
		s.countStatus(http.StatusBadGateway)
		return http.StatusBadGateway
	}

	if err := writeResponse(conn, resp); err != nil {
		s.logger.Debug("write response failed", "err", err)
	}
	s.countStatus(resp.Status)
	return resp.Status
}

func (s *Server) reject(conn net.Conn, stage string, err error) {
	if errors.Is(err, io.EOF) {
		return
	}
	s.count("rejected")
	s.logger.Debug("connection rejected",
		"stage", stage,
		"remote", conn.RemoteAddr().String(),
		"err", err,
	)
}

func (s *Server) count(kind string) {
	if s.metrics != nil {
		s.metrics.IngressConnections.WithLabelValues(kind).Inc()
	}
}

func (s *Server) countStatus(status int) {
	if s.metrics != nil {
		s.metrics.IngressResponses.WithLabelValues(strconv.Itoa(status)).Inc()
	}
}

// writeResponse writes resp as an HTTP/1.1 response. Headers are written in
// sorted order; Content-Length is set to the body length and the connection
// is marked for closing.
func writeResponse(w io.Writer, resp *model.ResponseEnvelope) error {
	bw := bufio.NewWriter(w)

	reason := http.StatusText(resp.Status)
	if reason == "" {
		reason = "Unknown"
	}
	fmt.Fprintf(bw, "HTTP/1.1 %d %s\r\n", resp.Status, reason)

	names := make([]string, 0, len(resp.Header))
	for name := range resp.Header {
		switch http.CanonicalHeaderKey(name) {
		case "Content-Length", "Connection", "Transfer-Encoding":
			continue
		}
		names = append(names, name)
	}
	slices.Sort(names)
	for _, name := range names {
		fmt.Fprintf(bw, "%s: %s\r\n", name, resp.Header[name])
	}
	fmt.Fprintf(bw, "Content-Length: %d\r\nConnection: close\r\n\r\n", len(resp.Body))

	if _, err := bw.Write(resp.Body); err != nil {
		return err
	}
	return bw.Flush()
}
