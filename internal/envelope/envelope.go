// Package envelope converts requests and responses to and from the wire form
// exchanged between the ingress and the relay.
//
// A request travels as four form fields: target (base64 of the absolute URL),
// method (plain token), headers (base64 of a JSON object of name to value) and
// body (base64 of the raw bytes, empty when there is none). A response travels
// as a JSON object with status, headers and a base64 body.
//
// The codec does no I/O and enforces no size limits.
package envelope

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/url"
	"sort"

	"golang.org/x/net/http/httpguts"

	"masquerade-proxy-go/internal/model"
)

// Form field names of the request wire form.
const (
	FieldTarget  = "target"
	FieldMethod  = "method"
	FieldHeaders = "headers"
	FieldBody    = "body"
)

var encoding = base64.StdEncoding

// DecodeError reports a request or response envelope that cannot be decoded.
type DecodeError struct {
	Field string
	Err   error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode %s: %v", e.Field, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// DroppedHeader is a header entry discarded during decoding because its name or
// value is not legal in HTTP.
type DroppedHeader struct {
	Name   string
	Reason string
}

// WireResponse is the JSON body returned by the relay.
type WireResponse struct {
	Status  int               `json:"status"`
	Headers map[string]string `json:"headers"`
	Body    string            `json:"body"`
}

// FromInbound flattens a parsed client request into an envelope. When a
// header name repeats, the last value wins.
func FromInbound(r *model.InboundRequest) *model.RequestEnvelope {
	header := make(map[string]string, len(r.Header))
	for _, h := range r.Header {
		header[h.Name] = h.Value
	}
	body := r.Body
	if body == nil {
		body = []byte{}
	}
	return &model.RequestEnvelope{
		Target: r.Target,
		Method: r.Method,
		Header: header,
		Body:   body,
	}
}

// EncodeRequest returns the wire form of env.
func EncodeRequest(env *model.RequestEnvelope) (url.Values, error) {
	header := env.Header
	if header == nil {
		header = map[string]string{}
	}
	blob, err := json.Marshal(header)
	if err != nil {
		return nil, fmt.Errorf("encode headers: %w", err)
	}

	v := make(url.Values, 4)
	v.Set(FieldTarget, encoding.EncodeToString([]byte(env.Target)))
	v.Set(FieldMethod, env.Method)
	v.Set(FieldHeaders, encoding.EncodeToString(blob))
	v.Set(FieldBody, encoding.EncodeToString(env.Body))
	return v, nil
}

// DecodeRequest parses the wire form of a request envelope. Header entries with
// an illegal name or value are dropped and reported rather than failing the
// whole envelope.
func DecodeRequest(v url.Values) (*model.RequestEnvelope, []DroppedHeader, error) {
	target, err := decodeField(v, FieldTarget, true)
	if err != nil {
		return nil, nil, err
	}
	method := v.Get(FieldMethod)
	if method == "" {
		return nil, nil, &DecodeError{Field: FieldMethod, Err: fmt.Errorf("missing")}
	}
	if !validToken(method) {
		return nil, nil, &DecodeError{Field: FieldMethod, Err: fmt.Errorf("%q is not a token", method)}
	}

	blob, err := decodeField(v, FieldHeaders, false)
	if err != nil {
		return nil, nil, err
	}
	raw := map[string]string{}
	if len(blob) > 0 {
		if err := json.Unmarshal(blob, &raw); err != nil {
			return nil, nil, &DecodeError{Field: FieldHeaders, Err: err}
		}
	}
	header, dropped := validateHeaders(raw)

	body, err := decodeField(v, FieldBody, false)
	if err != nil {
		return nil, nil, err
	}

	return &model.RequestEnvelope{
		Target: string(target),
		Method: method,
		Header: header,
		Body:   body,
	}, dropped, nil
}

// EncodeResponse returns the wire form of resp.
func EncodeResponse(resp *model.ResponseEnvelope) *WireResponse {
	header := resp.Header
	if header == nil {
		header = map[string]string{}
	}
	return &WireResponse{
		Status:  resp.Status,
		Headers: header,
		Body:    encoding.EncodeToString(resp.Body),
	}
}

// DecodeResponse validates a wire response and returns the envelope it carries.
// Illegal header entries are dropped, as in DecodeRequest.
func DecodeResponse(w *WireResponse) (*model.ResponseEnvelope, []DroppedHeader, error) {
	if w.Status < 100 || w.Status > 599 {
		return nil, nil, &DecodeError{Field: "status", Err: fmt.Errorf("%d out of range", w.Status)}
	}
	body, err := encoding.DecodeString(w.Body)
	if err != nil {
		return nil, nil, &DecodeError{Field: FieldBody, Err: err}
	}
	header, dropped := validateHeaders(w.Headers)
	return &model.ResponseEnvelope{
		Status: w.Status,
		Header: header,
		Body:   body,
	}, dropped, nil
}

func decodeField(v url.Values, field string, required bool) ([]byte, error) {
	s, ok := v[field]
	if !ok || len(s) == 0 {
		if required {
			return nil, &DecodeError{Field: field, Err: fmt.Errorf("missing")}
		}
		return []byte{}, nil
	}
	b, err := encoding.DecodeString(s[0])
	if err != nil {
		return nil, &DecodeError{Field: field, Err: err}
	}
	return b, nil
}

func validateHeaders(raw map[string]string) (map[string]string, []DroppedHeader) {
	header := make(map[string]string, len(raw))
	var dropped []DroppedHeader
	for name, value := range raw {
		switch {
		case !httpguts.ValidHeaderFieldName(name):
			dropped = append(dropped, DroppedHeader{Name: name, Reason: "invalid header name"})
		case !httpguts.ValidHeaderFieldValue(value):
			dropped = append(dropped, DroppedHeader{Name: name, Reason: "invalid header value"})
		default:
			header[name] = value
		}
	}
	sort.Slice(dropped, func(i, j int) bool { return dropped[i].Name < dropped[j].Name })
	return header, dropped
}

// validToken reports whether s is an RFC 7230 token, the grammar of both
// methods and header names.
func validToken(s string) bool {
	return httpguts.ValidHeaderFieldName(s)
}
