// Package metrics exposes Prometheus collectors for the fetch pipeline.
package metrics

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	fetchesTotal                *prometheus.CounterVec
	fetchDurationSeconds        *prometheus.HistogramVec
	fetchBytesTotal             *prometheus.CounterVec
	strategyAttemptsTotal       *prometheus.CounterVec
	classificationsTotal        *prometheus.CounterVec
	manualSessionsTotal         *prometheus.CounterVec
	browserLeaseWaitSeconds     prometheus.Histogram
	activeWorkers               prometheus.Gauge
	rateLimitDelaysSeconds      *prometheus.HistogramVec
	httpRequestsTotal           *prometheus.CounterVec
	httpRequestDurationSeconds  *prometheus.HistogramVec
	directTLSHandshakeFailTotal prometheus.Counter

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		fetchesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "webfetcher_fetches_total",
				Help: "Total number of fetches, labeled by site, final method and final status.",
			},
			[]string{"site", "method", "status"},
		)

		fetchDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "webfetcher_fetch_duration_seconds",
				Help:    "Histogram of end-to-end fetch durations, labeled by final status.",
				Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300},
			},
			[]string{"status"},
		)

		fetchBytesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "webfetcher_bytes_total",
				Help: "Total number of content bytes returned, labeled by site.",
			},
			[]string{"site"},
		)

		strategyAttemptsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "webfetcher_strategy_attempts_total",
				Help: "Strategy invocations, labeled by method and outcome (success or error kind).",
			},
			[]string{"method", "outcome"},
		)

		classificationsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "webfetcher_error_classifications_total",
				Help: "Error classifications, labeled by error type and whether the cache served them.",
			},
			[]string{"error_type", "cache"},
		)

		manualSessionsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "webfetcher_manual_sessions_total",
				Help: "Manual browser sessions, labeled by terminal state.",
			},
			[]string{"state"},
		)

		browserLeaseWaitSeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "webfetcher_browser_lease_wait_seconds",
				Help:    "Time spent waiting for exclusive use of the debug-port browser.",
				Buckets: []float64{0.01, 0.1, 0.5, 1, 5, 15, 60, 180},
			},
		)

		activeWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "webfetcher_active_workers",
				Help: "Number of workers currently processing a URL.",
			},
		)

		rateLimitDelaysSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "webfetcher_rate_limit_delays_seconds",
				Help:    "Histogram of per-host rate limit wait durations.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"domain"},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of control API requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of control API latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)

		directTLSHandshakeFailTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "webfetcher_direct_tls_handshake_failures_total",
				Help: "TLS handshake failures seen by the direct fetcher.",
			},
		)
	})
}

// SanitizeSite sanitizes a URL to extract a lowercase hostname.
// It returns "unknown" if the URL is invalid.
func SanitizeSite(rawURL string) string {
	if !strings.HasPrefix(rawURL, "http") {
		rawURL = "http://" + rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	Init()
	return promhttp.Handler()
}

// ObserveFetch records the final outcome of one fetch.
func ObserveFetch(site, method, status string, bytesFetched int, duration time.Duration) {
	Init()
	sanitizedSite := SanitizeSite(site)
	fetchesTotal.WithLabelValues(sanitizedSite, method, status).Inc()
	fetchDurationSeconds.WithLabelValues(status).Observe(duration.Seconds())
	if bytesFetched > 0 {
		fetchBytesTotal.WithLabelValues(sanitizedSite).Add(float64(bytesFetched))
	}
}

// ObserveAttempt records one strategy invocation. An empty outcome means success.
func ObserveAttempt(method, outcome string) {
	Init()
	if outcome == "" {
		outcome = "success"
	}
	strategyAttemptsTotal.WithLabelValues(method, outcome).Inc()
}

// ObserveClassification records a classifier lookup.
func ObserveClassification(errorType string, cached bool) {
	Init()
	cache := "miss"
	if cached {
		cache = "hit"
	}
	classificationsTotal.WithLabelValues(errorType, cache).Inc()
}

// ObserveManualSession records a manual session reaching a terminal state.
func ObserveManualSession(state string) {
	Init()
	manualSessionsTotal.WithLabelValues(state).Inc()
}

// ObserveLeaseWait records how long a fetch waited for the browser.
func ObserveLeaseWait(duration time.Duration) {
	Init()
	browserLeaseWaitSeconds.Observe(duration.Seconds())
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// ObserveTLSHandshakeFailure increments the direct fetcher handshake failure counter.
func ObserveTLSHandshakeFailure() {
	Init()
	directTLSHandshakeFailTotal.Inc()
}

// IncActiveWorkers increments the active workers gauge.
func IncActiveWorkers() {
	Init()
	activeWorkers.Inc()
}

// DecActiveWorkers decrements the active workers gauge.
func DecActiveWorkers() {
	Init()
	activeWorkers.Dec()
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(domain string, duration time.Duration) {
	Init()
	rateLimitDelaysSeconds.WithLabelValues(domain).Observe(duration.Seconds())
}
