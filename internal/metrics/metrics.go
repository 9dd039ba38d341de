// Package metrics provides Prometheus metrics for validate calls and the
// gateway's inbound HTTP traffic: a custom registry, Go/process
// collectors, and a small set of counters/histograms with bounded label
// cardinality.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Default histogram buckets for validate-call latency.
var defaultBuckets = []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30}

// Metrics holds all Prometheus metric collectors for the client.
type Metrics struct {
	Registry *prometheus.Registry

	ValidateTotal    *prometheus.CounterVec
	ValidateDuration *prometheus.HistogramVec
	ValidateInFlight prometheus.Gauge

	GatewayRequestsTotal   *prometheus.CounterVec
	GatewayRequestDuration *prometheus.HistogramVec
}

// New creates a Metrics instance with a custom registry and all collectors
// registered.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{
		Registry: reg,

		ValidateTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "icap_client_validate_total",
			Help: "Total validate() calls by mode and outcome.",
		}, []string{"mode", "outcome"}),

		ValidateDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "icap_client_validate_duration_seconds",
			Help:    "validate() call latency in seconds.",
			Buckets: defaultBuckets,
		}, []string{"mode", "outcome"}),

		ValidateInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "icap_client_validate_in_flight",
			Help: "Number of validate() calls currently in progress.",
		}),

		GatewayRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "icap_client_gateway_requests_total",
			Help: "Total inbound gateway HTTP requests by path and status code.",
		}, []string{"path", "status_code"}),

		GatewayRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "icap_client_gateway_request_duration_seconds",
			Help:    "Inbound gateway HTTP request latency in seconds.",
			Buckets: defaultBuckets,
		}, []string{"path"}),
	}

	reg.MustRegister(
		m.ValidateTotal,
		m.ValidateDuration,
		m.ValidateInFlight,
		m.GatewayRequestsTotal,
		m.GatewayRequestDuration,
	)

	return m
}

// Outcome is a bounded label value describing how a validate() call ended.
type Outcome string

const (
	OutcomeClean        Outcome = "clean"
	OutcomeThreatFound  Outcome = "threat_found"
	OutcomeNotIdentical Outcome = "not_identical"
	OutcomeUnknown      Outcome = "unknown_response"
	OutcomeError        Outcome = "error"
)

// Observe records one completed validate() call.
func (m *Metrics) Observe(mode string, outcome Outcome, seconds float64) {
	m.ValidateTotal.WithLabelValues(mode, string(outcome)).Inc()
	m.ValidateDuration.WithLabelValues(mode, string(outcome)).Observe(seconds)
}
