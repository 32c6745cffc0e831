// Package metrics exposes Prometheus collectors for the crawl worker.
package metrics

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	sourceRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crawl_worker_source_requests_total",
			Help: "Control-plane requests, labeled by operation and outcome.",
		},
		[]string{"op", "outcome"},
	)

	sourceRequestDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "crawl_worker_source_request_duration_seconds",
			Help:    "Histogram of control-plane request latencies, labeled by operation.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"op"},
	)

	prefetchRefillsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crawl_worker_prefetch_refills_total",
			Help: "Prefetch buffer refills, labeled by mode (sync/async) and outcome.",
		},
		[]string{"mode", "outcome"},
	)

	prefetchBuffered = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "crawl_worker_prefetch_buffered",
			Help: "Number of leased jobs waiting in the prefetch buffer.",
		},
	)

	jobsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crawl_worker_jobs_total",
			Help: "Jobs processed, labeled by outcome.",
		},
		[]string{"outcome"},
	)

	renderDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "crawl_worker_render_duration_seconds",
			Help:    "Histogram of page render durations, labeled by site and outcome.",
			Buckets: []float64{0.5, 1, 2, 5, 10, 20, 45},
		},
		[]string{"site", "outcome"},
	)

	cooldownsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crawl_worker_cooldowns_total",
			Help: "Acquisition cooldown sleeps, labeled by reason.",
		},
		[]string{"reason"},
	)

	workerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "crawl_worker_state",
			Help: "1 for the state the worker loop is currently in, 0 otherwise.",
		},
		[]string{"state"},
	)

	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of status listener requests, labeled by method and code.",
		},
		[]string{"method", "code"},
	)

	httpRequestDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Histogram of status listener latencies, labeled by method and route.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"method", "route"},
	)

	renderRateLimitDelaysSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "crawl_worker_render_rate_limit_delays_seconds",
			Help:    "Histogram of per-host render rate limit waits.",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"domain"},
	)
)

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
	return promhttp.Handler()
}

// ObserveSourceRequest records one control-plane call.
func ObserveSourceRequest(op, outcome string, duration time.Duration) {
	sourceRequestsTotal.WithLabelValues(op, outcome).Inc()
	sourceRequestDurationSeconds.WithLabelValues(op).Observe(duration.Seconds())
}

// ObservePrefetchRefill records a buffer refill attempt.
func ObservePrefetchRefill(mode, outcome string) {
	prefetchRefillsTotal.WithLabelValues(mode, outcome).Inc()
}

// SetPrefetchBuffered reports the current buffer depth.
func SetPrefetchBuffered(n int) {
	prefetchBuffered.Set(float64(n))
}

// ObserveJob increments the job counter for the given outcome.
func ObserveJob(outcome string) {
	jobsTotal.WithLabelValues(outcome).Inc()
}

// ObserveRender records how long a render took.
func ObserveRender(rawURL, outcome string, duration time.Duration) {
	renderDurationSeconds.WithLabelValues(SanitizeSite(rawURL), outcome).Observe(duration.Seconds())
}

// ObserveCooldown counts an acquisition cooldown.
func ObserveCooldown(reason string) {
	cooldownsTotal.WithLabelValues(reason).Inc()
}

// SetWorkerState flips the state gauge to the given state.
func SetWorkerState(current string, all []string) {
	for _, s := range all {
		value := 0.0
		if s == current {
			value = 1
		}
		workerState.WithLabelValues(s).Set(value)
	}
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(domain string, duration time.Duration) {
	renderRateLimitDelaysSeconds.WithLabelValues(domain).Observe(duration.Seconds())
}
