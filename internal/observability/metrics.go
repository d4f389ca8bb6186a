package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics collects the Prometheus metrics for the service: HTTP traffic plus
// the transfer-accounting domain counters.
type Metrics struct {
	registry        *prometheus.Registry
	handler         http.Handler
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	repostTotal     *prometheus.CounterVec
	rewriteAborts   *prometheus.CounterVec
	scanMismatches  *prometheus.CounterVec
	scanDuration    prometheus.Histogram
}

// NewMetrics initialises the registry and all collectors.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	requests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "meridian_http_requests_total",
		Help: "HTTP requests partitioned by route and status code.",
	}, []string{"route", "code"})
	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "meridian_http_request_duration_seconds",
		Help:    "HTTP request duration per route.",
		Buckets: prometheus.DefBuckets,
	}, []string{"route"})
	reposts := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "meridian_ledger_reposts_total",
		Help: "Repost coordinator attempts partitioned by outcome.",
	}, []string{"outcome"})
	rewriteAborts := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "meridian_ledger_rewrite_aborts_total",
		Help: "Branch accounting rewrites left unchanged, by reason.",
	}, []string{"reason"})
	scanMismatches := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "meridian_reconcile_mismatches_total",
		Help: "Mismatches recorded by reconciliation scans, by kind.",
	}, []string{"kind"})
	scanDuration := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "meridian_reconcile_scan_duration_seconds",
		Help:    "Duration of full reconciliation scans.",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
	})
	registry.MustRegister(requests, duration, reposts, rewriteAborts, scanMismatches, scanDuration)
	return &Metrics{
		registry:        registry,
		handler:         promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		requestsTotal:   requests,
		requestDuration: duration,
		repostTotal:     reposts,
		rewriteAborts:   rewriteAborts,
		scanMismatches:  scanMismatches,
		scanDuration:    scanDuration,
	}
}

// Handler returns the http.Handler for the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
		})
	}
	return m.handler
}

// Middleware records request metrics for every HTTP request.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(&recorder, r)
		route := routePattern(r)
		m.requestsTotal.WithLabelValues(route, strconv.Itoa(recorder.status)).Inc()
		m.requestDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	})
}

// IncRepost counts one repost coordinator attempt by outcome
// (applied, skipped or failed).
func (m *Metrics) IncRepost(outcome string) {
	if m == nil {
		return
	}
	m.repostTotal.WithLabelValues(outcome).Inc()
}

// IncRewriteAbort counts a branch rewrite that fell back to the generic
// posting, labelled with the abort reason.
func (m *Metrics) IncRewriteAbort(reason string) {
	if m == nil {
		return
	}
	m.rewriteAborts.WithLabelValues(reason).Inc()
}

// AddScanMismatches counts mismatches found by a reconciliation scan.
func (m *Metrics) AddScanMismatches(kind string, count int) {
	if m == nil || count <= 0 {
		return
	}
	m.scanMismatches.WithLabelValues(kind).Add(float64(count))
}

// ObserveScanDuration records the wall time of one reconciliation scan.
func (m *Metrics) ObserveScanDuration(d time.Duration) {
	if m == nil {
		return
	}
	m.scanDuration.Observe(d.Seconds())
}

// Registerer exposes the registry so other packages can attach their own
// collectors.
func (m *Metrics) Registerer() prometheus.Registerer {
	if m == nil {
		return prometheus.DefaultRegisterer
	}
	return m.registry
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func routePattern(r *http.Request) string {
	if routeCtx := chi.RouteContext(r.Context()); routeCtx != nil {
		if pattern := routeCtx.RoutePattern(); pattern != "" {
			return pattern
		}
	}
	return "unknown"
}
