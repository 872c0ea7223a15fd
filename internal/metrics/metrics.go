// Package metrics provides Prometheus metrics for the ingress and the relay.
package metrics

import (
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Default histogram buckets for request latency.
var defaultBuckets = []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30}

// Metrics holds all Prometheus metric collectors of one process.
type Metrics struct {
	Registry *prometheus.Registry

	// Relay side.
	RequestsTotal     *prometheus.CounterVec
	RequestDuration   *prometheus.HistogramVec
	RequestsInFlight  prometheus.Gauge
	OutboundDuration  *prometheus.HistogramVec
	OutboundResponses *prometheus.CounterVec
	OutboundRetries   prometheus.Counter
	EnvelopeFailures  *prometheus.CounterVec

	// Ingress side.
	IngressConnections *prometheus.CounterVec
	IngressResponses   *prometheus.CounterVec
	RelayDuration      prometheus.Histogram
	TunnelsActive      prometheus.Gauge
	TunnelBytes        *prometheus.CounterVec
}

// New creates a Metrics instance with a custom registry and all collectors registered.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{
		Registry: reg,

		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "masquerade_relay_http_requests_total",
			Help: "Total inbound HTTP requests on the relay.",
		}, []string{"method", "status_code", "path_prefix"}),

		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "masquerade_relay_http_request_duration_seconds",
			Help:    "Relay HTTP request latency in seconds.",
			Buckets: defaultBuckets,
		}, []string{"method", "status_code", "path_prefix"}),

		RequestsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "masquerade_relay_http_requests_in_flight",
			Help: "Number of relay HTTP requests currently being processed.",
		}),

		OutboundDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "masquerade_relay_outbound_request_duration_seconds",
			Help:    "Origin call latency in seconds.",
			Buckets: defaultBuckets,
		}, []string{"method"}),

		OutboundResponses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "masquerade_relay_outbound_responses_total",
			Help: "Total origin responses by method and status code.",
		}, []string{"method", "status_code"}),

		OutboundRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "masquerade_relay_outbound_retries_total",
			Help: "Origin calls retried after a transient transport error.",
		}),

		EnvelopeFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "masquerade_relay_envelope_failures_total",
			Help: "Envelopes answered with a relay-generated error status, by kind.",
		}, []string{"kind"}),

		IngressConnections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "masquerade_ingress_connections_total",
			Help: "Accepted client connections by outcome (relay, tunnel, rejected).",
		}, []string{"kind"}),

		IngressResponses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "masquerade_ingress_responses_total",
			Help: "Responses written to clients by status code.",
		}, []string{"status_code"}),

		RelayDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "masquerade_ingress_relay_round_trip_seconds",
			Help:    "Ingress to relay round trip latency in seconds.",
			Buckets: defaultBuckets,
		}),

		TunnelsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "masquerade_ingress_tunnels_active",
			Help: "Number of CONNECT tunnels currently open.",
		}),

		TunnelBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "masquerade_ingress_tunnel_bytes_total",
			Help: "Bytes relayed through CONNECT tunnels by direction.",
		}, []string{"direction"}),
	}

	reg.MustRegister(
		m.RequestsTotal,
		m.RequestDuration,
		m.RequestsInFlight,
		m.OutboundDuration,
		m.OutboundResponses,
		m.OutboundRetries,
		m.EnvelopeFailures,
		m.IngressConnections,
		m.IngressResponses,
		m.RelayDuration,
		m.TunnelsActive,
		m.TunnelBytes,
	)

	return m
}

// knownMethods lists the allowed HTTP method label values (bounded cardinality).
var knownMethods = map[string]bool{
	"GET": true, "POST": true, "PUT": true, "DELETE": true,
	"PATCH": true, "HEAD": true, "OPTIONS": true, "CONNECT": true,
}

// NormalizeMethod returns a bounded HTTP method label for Prometheus metrics.
// Non-standard methods are mapped to "other" to prevent cardinality explosion.
func NormalizeMethod(method string) string {
	if knownMethods[method] {
		return method
	}
	return "other"
}

// knownPrefixes lists the allowed path label values (bounded cardinality).
var knownPrefixes = []string{"/proxy", "/healthz", "/relay/status", "/metrics"}

// NormalizePath returns a bounded path label for Prometheus metrics.
func NormalizePath(path string) string {
	for _, prefix := range knownPrefixes {
		if path == prefix || strings.HasPrefix(path, prefix+"/") || strings.HasPrefix(path, prefix+"?") {
			return prefix
		}
	}
	return "other"
}
