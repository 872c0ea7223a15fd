package tunnel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"masquerade-proxy-go/internal/metrics"
	"masquerade-proxy-go/internal/model"
)

const (
	establishedLine = "HTTP/1.1 200 Connection Established\r\n\r\n"
	badGatewayLine  = "HTTP/1.1 502 Bad Gateway\r\nContent-Length: 0\r\nConnection: close\r\n\r\n"
)

// ErrInvalidAuthority is returned when a CONNECT target is not host:port.
var ErrInvalidAuthority = errors.New("invalid CONNECT authority")

// Bridge relays CONNECT sessions between clients and origins.
type Bridge struct {
	dialer         Dialer
	connectTimeout time.Duration
	logger         *slog.Logger
	metrics        *metrics.Metrics
}

// NewBridge creates a Bridge. The metrics parameter is optional.
func NewBridge(d Dialer, connectTimeout time.Duration, logger *slog.Logger, m *metrics.Metrics) *Bridge {
	return &Bridge{
		dialer:         d,
		connectTimeout: connectTimeout,
		logger:         logger.With("component", "tunnel"),
		metrics:        m,
	}
}

// Serve dials target, answers the client and pumps bytes both ways until
// both directions are done. buffered holds client bytes already read past
// the CONNECT head; they are sent to the origin first.
//
// Once the tunnel is established both connections are closed on return. On a
// dial failure a 502 status line is written to the client and the dial error
// is returned; the client connection is left to the caller.
func (b *Bridge) Serve(ctx context.Context, client net.Conn, target string, buffered []byte) (*model.TunnelSession, error) {
	start := time.Now()
	session := &model.TunnelSession{Target: target}

	addr, err := authority(target)
	if err != nil {
		_, _ = io.WriteString(client, badGatewayLine)
		return session, err
	}
	session.Target = addr

	dctx, cancel := context.WithTimeout(ctx, b.connectTimeout)
	origin, err := b.dialer.DialContext(dctx, "tcp", addr)
	cancel()
	if err != nil {
		b.logger.Warn("tunnel dial failed", "target", addr, "err", err)
		_, _ = io.WriteString(client, badGatewayLine)
		return session, err
	}
	defer func() {
		_ = origin.Close()
		_ = client.Close()
	}()

	if _, err := io.WriteString(client, establishedLine); err != nil {
		return session, fmt.Errorf("write connect reply: %w", err)
	}

	if b.metrics != nil {
		b.metrics.TunnelsActive.Inc()
		defer b.metrics.TunnelsActive.Dec()
	}

	var pre int64
	if len(buffered) > 0 {
		n, err := origin.Write(buffered)
		pre = int64(n)
		if err != nil {
			session.ClientToOrigin = pre
			return session, fmt.Errorf("forward buffered bytes: %w", err)
		}
	}

	up, down, err := pump(ctx, client, origin)
	session.ClientToOrigin = pre + up
	session.OriginToClient = down
	session.Duration = time.Since(start)

	if b.metrics != nil {
		b.metrics.TunnelBytes.WithLabelValues("client_to_origin").Add(float64(session.ClientToOrigin))
		b.metrics.TunnelBytes.WithLabelValues("origin_to_client").Add(float64(session.OriginToClient))
	}
	b.logger.Info("tunnel closed",
		"target", addr,
		"client_to_origin", session.ClientToOrigin,
		"origin_to_client", session.OriginToClient,
		"duration_ms", session.Duration.Milliseconds(),
	)

	if err != nil && !isClosed(err) {
		return session, err
	}
	return session, nil
}

// pump copies client->origin and origin->client concurrently. Each direction
// half-closes its destination when its source is exhausted. An error in one
// direction, or ctx being cancelled, closes both connections so the other
// copy unblocks; a clean finish leaves closing to the caller.
func pump(ctx context.Context, client, origin net.Conn) (up, down int64, err error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(ctx, func() {
		_ = client.Close()
		_ = origin.Close()
	})
	defer stop()

	var g errgroup.Group
	g.Go(func() error {
		n, err := io.Copy(origin, client)
		up = n
		closeWrite(origin)
		if err != nil {
			cancel()
		}
		return err
	})
	g.Go(func() error {
		n, err := io.Copy(client, origin)
		down = n
		closeWrite(client)
		if err != nil {
			cancel()
		}
		return err
	})

	err = g.Wait()
	return up, down, err
}

type closeWriter interface {
	CloseWrite() error
}

func closeWrite(c net.Conn) {
	if cw, ok := c.(closeWriter); ok {
		_ = cw.CloseWrite()
	}
}

// authority validates a CONNECT target, defaulting the port to 443.
func authority(target string) (string, error) {
	host, port, err := net.SplitHostPort(target)
	if err != nil {
		host, port = strings.Trim(target, "[]"), "443"
	}
	if p, err := strconv.Atoi(port); err != nil || p < 1 || p > 65535 {
		return "", fmt.Errorf("%w: %q", ErrInvalidAuthority, target)
	}
	if host == "" || strings.ContainsAny(host, "/ ") {
		return "", fmt.Errorf("%w: %q", ErrInvalidAuthority, target)
	}
	return net.JoinHostPort(host, port), nil
}

func isClosed(err error) bool {
	return errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF)
}
