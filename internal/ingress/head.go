package ingress

import (
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"golang.org/x/net/http/httpguts"

	"masquerade-proxy-go/internal/model"
)

var (
	// ErrHeadTooLarge is returned when no complete head fits in max_header_bytes.
	ErrHeadTooLarge = errors.New("request head too large")
	// ErrMalformedHead is returned for an unparsable request line or header.
	ErrMalformedHead = errors.New("malformed request head")
	// ErrChunkedUnsupported is returned for requests with a Transfer-Encoding.
	ErrChunkedUnsupported = errors.New("transfer-encoding not supported")
	// ErrBodyTooLarge is returned when Content-Length exceeds max_body_bytes.
	ErrBodyTooLarge = errors.New("request body too large")
)

type headState int

const (
	awaitingHead headState = iota
	haveHead
	headDone
)

// headReader accumulates bytes from a connection until a full request head
// has arrived. Reads continue across as many segments as needed, bounded by
// max.
type headReader struct {
	r     io.Reader
	max   int
	buf   []byte
	end   int // offset just past the blank line, valid once state >= haveHead
	state headState
}

func newHeadReader(r io.Reader, limit int) *headReader {
	return &headReader{r: r, max: limit, buf: make([]byte, 0, min(limit, 4096))}
}

// read returns the head bytes and any bytes received past it.
func (h *headReader) read() (head, rest []byte, err error) {
	chunk := make([]byte, 4096)
	for h.state == awaitingHead {
		n, err := h.r.Read(chunk)
		if n > 0 {
			h.feed(chunk[:n])
		}
		if h.state == haveHead {
			break
		}
		if len(h.buf) >= h.max {
			return nil, nil, fmt.Errorf("%w (limit %d bytes)", ErrHeadTooLarge, h.max)
		}
		if err != nil {
			if errors.Is(err, io.EOF) && len(h.buf) > 0 {
				return nil, nil, fmt.Errorf("%w: %w", ErrMalformedHead, io.ErrUnexpectedEOF)
			}
			return nil, nil, err
		}
	}
	if h.end > h.max {
		return nil, nil, fmt.Errorf("%w (limit %d bytes)", ErrHeadTooLarge, h.max)
	}
	h.state = headDone
	return h.buf[:h.end], h.buf[h.end:], nil
}

// feed appends p and looks for the blank line, rescanning only the tail that
// could complete a terminator split across reads.
func (h *headReader) feed(p []byte) {
	from := max(len(h.buf)-3, 0)
	h.buf = append(h.buf, p...)
	if end := headEnd(h.buf, from); end >= 0 {
		h.end = end
		h.state = haveHead
	}
}

// headEnd returns the offset just past the first blank line at or after
// from, accepting CRLF or bare LF line endings, or -1.
func headEnd(b []byte, from int) int {
	for i := from; i < len(b); i++ {
		if b[i] != '\n' {
			continue
		}
		switch {
		case i+1 < len(b) && b[i+1] == '\n':
			return i + 2
		case i+2 < len(b) && b[i+1] == '\r' && b[i+2] == '\n':
			return i + 3
		}
	}
	return -1
}

// parseHead parses a request line and header block. Header names keep their
// case and order.
func parseHead(head []byte) (*model.InboundRequest, error) {
	lines := strings.Split(strings.TrimRight(string(head), "\r\n"), "\n")
	for i := range lines {
		lines[i] = strings.TrimSuffix(lines[i], "\r")
	}

	method, rest, ok1 := strings.Cut(lines[0], " ")
	target, proto, ok2 := strings.Cut(rest, " ")
	if !ok1 || !ok2 {
		return nil, fmt.Errorf("%w: request line %q", ErrMalformedHead, lines[0])
	}
	if !validToken(method) {
		return nil, fmt.Errorf("%w: method %q", ErrMalformedHead, method)
	}
	if target == "" || strings.ContainsAny(target, " \t") {
		return nil, fmt.Errorf("%w: target %q", ErrMalformedHead, target)
	}
	if !strings.HasPrefix(proto, "HTTP/1.") {
		return nil, fmt.Errorf("%w: protocol %q", ErrMalformedHead, proto)
	}

	req := &model.InboundRequest{
		Method: method,
		Target: target,
		Proto:  proto,
		Header: make([]model.HeaderField, 0, len(lines)-1),
	}
	for _, line := range lines[1:] {
		if line == "" {
			continue
		}
		if line[0] == ' ' || line[0] == '\t' {
			return nil, fmt.Errorf("%w: obsolete line folding", ErrMalformedHead)
		}
		name, value, ok := strings.Cut(line, ":")
		if !ok || !httpguts.ValidHeaderFieldName(name) {
			return nil, fmt.Errorf("%w: header line %q", ErrMalformedHead, line)
		}
		value = strings.TrimSpace(value)
		if !httpguts.ValidHeaderFieldValue(value) {
			return nil, fmt.Errorf("%w: value of %s", ErrMalformedHead, name)
		}
		req.Header = append(req.Header, model.HeaderField{Name: name, Value: value})
	}
	return req, nil
}

// contentLength returns the declared body length of req. Requests with a
// Transfer-Encoding or conflicting Content-Length values are rejected.
func contentLength(req *model.InboundRequest, limit int64) (int64, error) {
	if _, ok := req.Get("Transfer-Encoding"); ok {
		return 0, ErrChunkedUnsupported
	}

	var (
		n     int64 = -1
		found bool
	)
	for _, h := range req.Header {
		if !strings.EqualFold(h.Name, "Content-Length") {
			continue
		}
		if h.Value == "" || strings.TrimLeft(h.Value, "0123456789") != "" {
			return 0, fmt.Errorf("%w: content-length %q", ErrMalformedHead, h.Value)
		}
		v, err := strconv.ParseInt(h.Value, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("%w: content-length %q", ErrMalformedHead, h.Value)
		}
		if found && v != n {
			return 0, fmt.Errorf("%w: conflicting content-length", ErrMalformedHead)
		}
		n, found = v, true
	}
	if !found {
		return 0, nil
	}
	if n > limit {
		return 0, fmt.Errorf("%w: %d > %d", ErrBodyTooLarge, n, limit)
	}
	return n, nil
}

// readBody returns exactly n body bytes, using the bytes already buffered
// past the head first. Extra buffered bytes are ignored.
func readBody(r io.Reader, buffered []byte, n int64) ([]byte, error) {
	body := make([]byte, n)
	copied := copy(body, buffered)
	if int64(copied) < n {
		if _, err := io.ReadFull(r, body[copied:]); err != nil {
			return nil, fmt.Errorf("read request body: %w", err)
		}
	}
	return body, nil
}

// absoluteTarget turns an origin-form target into an absolute http URL using
// the Host header. Other forms are returned unchanged.
func absoluteTarget(req *model.InboundRequest) string {
	if !strings.HasPrefix(req.Target, "/") {
		return req.Target
	}
	host, ok := req.Get("Host")
	if !ok || host == "" {
		return req.Target
	}
	return "http://" + host + req.Target
}

func validToken(s string) bool {
	return httpguts.ValidHeaderFieldName(s)
}
