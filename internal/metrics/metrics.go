// Package metrics provides Prometheus metrics for the proxy.
package metrics

import (
	"slices"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Default histogram buckets for upstream latency.
var defaultBuckets = []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10}

// Tunnel byte directions.
const (
	DirectionUpstream = "client_to_upstream"
	DirectionClient   = "upstream_to_client"
)

// Metrics holds all Prometheus metric collectors for the proxy.
type Metrics struct {
	Registry *prometheus.Registry

	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	RequestsInFlight prometheus.Gauge

	UpstreamDuration  *prometheus.HistogramVec
	UpstreamResponses *prometheus.CounterVec

	RewritesTotal  *prometheus.CounterVec
	PolicyDenials  *prometheus.CounterVec
	TunnelsActive  prometheus.Gauge
	TunnelSessions *prometheus.CounterVec
	TunnelBytes    *prometheus.CounterVec

	prefixes []string
}

// New creates a Metrics instance with a custom registry and all collectors
// registered. The given route prefixes become the bounded path label set in
// addition to the built-in health and metrics routes.
func New(prefixes ...string) *Metrics {
	reg := prometheus.NewRegistry()

	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{
		Registry: reg,

		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "browse_proxy_http_requests_total",
			Help: "Total inbound HTTP requests.",
		}, []string{"method", "status_code", "path_prefix"}),

		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "browse_proxy_http_request_duration_seconds",
			Help:    "Inbound HTTP request latency in seconds.",
			Buckets: defaultBuckets,
		}, []string{"method", "status_code", "path_prefix"}),

		RequestsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "browse_proxy_http_requests_in_flight",
			Help: "Number of HTTP requests currently being processed.",
		}),

		UpstreamDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "browse_proxy_upstream_request_duration_seconds",
			Help:    "Upstream time to response headers in seconds.",
			Buckets: defaultBuckets,
		}, []string{"method"}),

		UpstreamResponses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "browse_proxy_upstream_responses_total",
			Help: "Total upstream responses by method and status code.",
		}, []string{"method", "status_code"}),

		RewritesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "browse_proxy_rewrites_total",
			Help: "Body rewrites by content kind and result.",
		}, []string{"kind", "result"}),

		PolicyDenials: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "browse_proxy_policy_denials_total",
			Help: "Targets rejected by the host policy, by reason.",
		}, []string{"reason"}),

		TunnelsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "browse_proxy_tunnels_active",
			Help: "Number of open WebSocket tunnel sessions.",
		}),

		TunnelSessions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "browse_proxy_tunnel_sessions_total",
			Help: "Tunnel upgrade attempts by outcome.",
		}, []string{"result"}),

		TunnelBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "browse_proxy_tunnel_bytes_total",
			Help: "Bytes relayed through tunnels by direction.",
		}, []string{"direction"}),
	}

	reg.MustRegister(
		m.RequestsTotal,
		m.RequestDuration,
		m.RequestsInFlight,
		m.UpstreamDuration,
		m.UpstreamResponses,
		m.RewritesTotal,
		m.PolicyDenials,
		m.TunnelsActive,
		m.TunnelSessions,
		m.TunnelBytes,
	)

	m.prefixes = append(slices.Clone(builtinPrefixes), prefixes...)
	// Longest first so /proxy/status wins over /proxy.
	slices.SortStableFunc(m.prefixes, func(a, b string) int { return len(b) - len(a) })

	return m
}

// knownMethods lists the allowed HTTP method label values (bounded cardinality).
var knownMethods = map[string]bool{
	"GET": true, "POST": true, "PUT": true, "DELETE": true,
	"PATCH": true, "HEAD": true, "OPTIONS": true,
}

// NormalizeMethod returns a bounded HTTP method label for Prometheus metrics.
// Non-standard methods are mapped to "other" to prevent cardinality explosion.
func NormalizeMethod(method string) string {
	if knownMethods[method] {
		return method
	}
	return "other"
}

var builtinPrefixes = []string{"/healthz", "/proxy/status", "/metrics"}

// NormalizePath returns a bounded path label for Prometheus metrics.
func (m *Metrics) NormalizePath(path string) string {
	for _, prefix := range m.prefixes {
		if path == prefix || strings.HasPrefix(path, prefix+"/") || strings.HasPrefix(path, prefix+"?") {
			return prefix
		}
	}
	return "other"
}
