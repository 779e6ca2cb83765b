// Package metrics defines the Prometheus collectors used across the
// marketplace services and exposes an HTTP handler for scraping.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus collectors for the marketplace.
type Metrics struct {
	HTTPRequestsTotal    *prometheus.CounterVec
	HTTPRequestDuration  *prometheus.HistogramVec
	HTTPRequestsInFlight prometheus.Gauge

	PurchaseCyclesTotal   *prometheus.CounterVec
	PurchaseCycleDuration *prometheus.HistogramVec
	ChunksDisclosedTotal  prometheus.Counter
	DecryptFailuresTotal  prometheus.Counter

	KeyReleasesTotal *prometheus.CounterVec
	EscrowCallsTotal *prometheus.CounterVec
	EscrowLatency    *prometheus.HistogramVec
	DeferredJobs     *prometheus.CounterVec

	CacheHitsTotal      prometheus.Counter
	CacheMissesTotal    prometheus.Counter
	CircuitBreakerState *prometheus.GaugeVec

	GatewayAuthFailures *prometheus.CounterVec
	RateLimitedTotal    prometheus.Counter
}

// New creates all collectors and registers them with the default registry.
func New() *Metrics {
	return NewWithRegistry(prometheus.DefaultRegisterer)
}

// NewWithRegistry creates all collectors and registers them with reg. Tests
// pass a fresh prometheus.NewRegistry() so repeated construction is safe.
func NewWithRegistry(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests by method, path, and status.",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "HTTP request latency in seconds.",
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
			},
			[]string{"method", "path"},
		),
		HTTPRequestsInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "http_requests_in_flight",
				Help: "Number of HTTP requests currently being processed.",
			},
		),
		PurchaseCyclesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "purchase_cycles_total",
				Help: "Purchase cycles by mode (chunked, whole_document) and outcome.",
			},
			[]string{"mode", "outcome"},
		),
		PurchaseCycleDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "purchase_cycle_duration_seconds",
				Help:    "End-to-end purchase cycle latency including escrow settlement.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
			},
			[]string{"mode"},
		),
		ChunksDisclosedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "chunks_disclosed_total",
				Help: "Chunks transitioned from encrypted to plaintext.",
			},
		),
		DecryptFailuresTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "decrypt_failures_total",
				Help: "Chunk or document decryptions rejected as wrong passphrase.",
			},
		),
		KeyReleasesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "key_releases_total",
				Help: "Key vault release attempts by kind (chunk, document) and result.",
			},
			[]string{"kind", "result"},
		),
		EscrowCallsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "escrow_calls_total",
				Help: "Escrow contract calls by operation and status.",
			},
			[]string{"op", "status"},
		),
		EscrowLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "escrow_call_duration_seconds",
				Help:    "Escrow contract call latency including receipt wait.",
				Buckets: []float64{0.05, 0.1, 0.5, 1, 2.5, 5, 15, 30, 60},
			},
			[]string{"op"},
		),
		DeferredJobs: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "deferred_jobs_total",
				Help: "Deferred escrow jobs by kind and result (ok, failed, dropped).",
			},
			[]string{"kind", "result"},
		),
		CacheHitsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "similarity_cache_hits_total",
				Help: "Total number of similarity cache hits.",
			},
		),
		CacheMissesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "similarity_cache_misses_total",
				Help: "Total number of similarity cache misses.",
			},
		),
		CircuitBreakerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "circuit_breaker_state",
				Help: "Circuit breaker state (0=closed, 1=open, 2=half-open).",
			},
			[]string{"name"},
		),
		GatewayAuthFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_auth_failures_total",
				Help: "Rejected gateway requests by reason.",
			},
			[]string{"reason"},
		),
		RateLimitedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "gateway_rate_limited_total",
				Help: "Requests rejected by the per-key rate limiter.",
			},
		),
	}

	reg.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.HTTPRequestsInFlight,
		m.PurchaseCyclesTotal,
		m.PurchaseCycleDuration,
		m.ChunksDisclosedTotal,
		m.DecryptFailuresTotal,
		m.KeyReleasesTotal,
		m.EscrowCallsTotal,
		m.EscrowLatency,
		m.DeferredJobs,
		m.CacheHitsTotal,
		m.CacheMissesTotal,
		m.CircuitBreakerState,
		m.GatewayAuthFailures,
		m.RateLimitedTotal,
	)

	return m
}

// Handler returns the Prometheus scrape HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
