// Package model defines shared types for the ingress and the relay.
package model

import (
	"strings"
	"time"
)

// HeaderField is one request header line as the client sent it.
type HeaderField struct {
	Name  string
	Value string
}

// InboundRequest is a request parsed off a raw client connection.
// Header names keep the client's case, and duplicates keep their order.
type InboundRequest struct {
	Method string
	Target string
	Proto  string
	Header []HeaderField
	Body   []byte
}

// Get returns the last value of the named header, matched case-insensitively.
func (r *InboundRequest) Get(name string) (string, bool) {
	var (
		value string
		found bool
	)
	for _, h := range r.Header {
		if strings.EqualFold(h.Name, name) {
			value, found = h.Value, true
		}
	}
	return value, found
}

// RequestEnvelope is the transport form of a request sent from the ingress to
// the relay. Duplicate header names collapse to the last value.
type RequestEnvelope struct {
	Target string
	Method string
	Header map[string]string
	Body   []byte
}

// ResponseEnvelope is what the relay returns for one RequestEnvelope. Body is
// always identity-encoded.
type ResponseEnvelope struct {
	Status int
	Header map[string]string
	Body   []byte
}

// TunnelSession describes a finished CONNECT relay.
type TunnelSession struct {
	Target         string
	ClientToOrigin int64
	OriginToClient int64
	Duration       time.Duration
}
