// Package tunnel implements the CONNECT tunnel: upstream dialing and the
// bidirectional byte pump between a client and an origin connection.
package tunnel

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
	"time"

	"github.com/txthinking/socks5"
)

// Dialer opens origin connections for tunnels.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// NewDialer parses upstream and constructs the matching Dialer.
//
// Supported schemes:
//   - direct://
//   - socks5://[user:pass@]host[:port]
func NewDialer(upstream string, timeout time.Duration) (Dialer, error) {
	u, err := url.Parse(upstream)
	if err != nil {
		return nil, fmt.Errorf("invalid upstream: %w", err)
	}
	if u.Path != "" && u.Path != "/" {
		return nil, errors.New("invalid upstream: path should be empty")
	}

	switch strings.ToLower(u.Scheme) {
	case "":
		return nil, errors.New("invalid upstream: missing scheme")
	case "direct":
		return &directDialer{timeout: timeout}, nil
	case "socks5":
		if u.Hostname() == "" {
			return nil, errors.New("invalid upstream: socks5 needs a host")
		}
		addr := u.Host
		if u.Port() == "" {
			addr = net.JoinHostPort(u.Hostname(), "1080")
		}
		var user, pass string
		if u.User != nil {
			user = u.User.Username()
			pass, _ = u.User.Password()
		}
		return &socks5Dialer{addr: addr, user: user, pass: pass, timeout: timeout}, nil
	default:
		return nil, fmt.Errorf("invalid upstream scheme: %q", u.Scheme)
	}
}

type directDialer struct {
	timeout time.Duration
}

func (d *directDialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	nd := net.Dialer{Timeout: d.timeout, KeepAlive: 30 * time.Second}
	conn, err := nd.DialContext(ctx, network, address)
	if err != nil {
		return nil, fmt.Errorf("dial %s %s: %w", network, address, err)
	}
	return conn, nil
}

type socks5Dialer struct {
	addr    string
	user    string
	pass    string
	timeout time.Duration
}

func (d *socks5Dialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	if network != "tcp" {
		return nil, fmt.Errorf("socks5 dial %s %s: unsupported network", network, address)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	tcpTimeout := 0
	if d.timeout > 0 {
		tcpTimeout = max(int(d.timeout.Seconds()), 1)
	}

	client, err := socks5.NewClient(d.addr, d.user, d.pass, tcpTimeout, 0)
	if err != nil {
		return nil, fmt.Errorf("socks5 init: %w", err)
	}

	// The library dial has no context; run it aside so cancellation returns
	// at once. A connection that completes after cancellation is closed.
	type dialResult struct {
		conn net.Conn
		err  error
	}
	done := make(chan dialResult, 1)
	go func() {
		conn, err := client.Dial(network, address)
		done <- dialResult{conn, err}
	}()

	var conn net.Conn
	select {
	case r := <-done:
		if r.err != nil {
			return nil, fmt.Errorf("socks5 dial %s %s via %s: %w", network, address, d.addr, r.err)
		}
		conn = r.conn
	case <-ctx.Done():
		go func() {
			if r := <-done; r.conn != nil {
				_ = r.conn.Close()
			}
		}()
		return nil, fmt.Errorf("socks5 dial %s %s via %s: %w", network, address, d.addr, ctx.Err())
	}

	// After the handshake the control connection is the raw stream; unwrap
	// it so the pump can half-close it. Tunnels carry no idle deadline.
	if sc, ok := conn.(*socks5.Client); ok && sc.TCPConn != nil {
		conn = sc.TCPConn
	}
	_ = conn.SetDeadline(time.Time{})
	return conn, nil
}
