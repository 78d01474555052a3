// Package metrics exposes Prometheus collectors for the job engine.
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
	attemptsTotal              *prometheus.CounterVec
	attemptDurationSeconds     *prometheus.HistogramVec
	itemsTotal                 *prometheus.CounterVec
	retriesTotal               prometheus.Counter
	artifactsTotal             *prometheus.CounterVec
	runsTotal                  *prometheus.CounterVec
	attemptsInFlight           prometheus.Gauge
	rateLimitDelaySeconds      prometheus.Histogram
	robotsFallbackTotal        prometheus.Counter
	headlessPromotionsTotal    *prometheus.CounterVec
	llmTokensTotal             *prometheus.CounterVec
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		attemptsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bmie_attempts_total",
				Help: "Total number of item attempts, labeled by site and outcome.",
			},
			[]string{"site", "outcome"},
		)

		attemptDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "bmie_attempt_duration_seconds",
				Help:    "Histogram of attempt latencies, labeled by outcome.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"outcome"},
		)

		itemsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bmie_items_total",
				Help: "Total number of work items that reached a terminal state, labeled by state.",
			},
			[]string{"state"},
		)

		retriesTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "bmie_retries_total",
				Help: "Total number of scheduled retries.",
			},
		)

		artifactsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bmie_artifacts_total",
				Help: "Total number of artifacts produced, labeled by file type.",
			},
			[]string{"file_type"},
		)

		runsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bmie_runs_total",
				Help: "Total number of job runs finished, labeled by kind and state.",
			},
			[]string{"kind", "state"},
		)

		attemptsInFlight = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "bmie_attempts_in_flight",
				Help: "Number of attempts currently holding a dispatch slot.",
			},
		)

		rateLimitDelaySeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "bmie_rate_limit_delay_seconds",
				Help:    "Histogram of dispatch spacing waits.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
		)

		robotsFallbackTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "bmie_robots_fallback_total",
				Help: "Total number of robots.txt probes that timed out and fell back to allow-all.",
			},
		)

		headlessPromotionsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bmie_headless_promotions_total",
				Help: "Total number of pages re-fetched with the headless renderer, labeled by result.",
			},
			[]string{"result"},
		)

		llmTokensTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bmie_llm_tokens_total",
				Help: "Total number of tokens reported by the analysis model, labeled by provider and direction.",
			},
			[]string{"provider", "direction"},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
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
	return promhttp.Handler()
}

// ObserveAttempt records one finished attempt.
func ObserveAttempt(itemID, outcome string, duration time.Duration) {
	attemptsTotal.WithLabelValues(SanitizeSite(itemID), outcome).Inc()
	attemptDurationSeconds.WithLabelValues(outcome).Observe(duration.Seconds())
}

// ObserveItem counts a work item reaching a terminal state.
func ObserveItem(state string) {
	itemsTotal.WithLabelValues(state).Inc()
}

// ObserveRetry counts a scheduled retry.
func ObserveRetry() {
	retriesTotal.Inc()
}

// ObserveArtifact counts a produced artifact.
func ObserveArtifact(fileType string) {
	artifactsTotal.WithLabelValues(fileType).Inc()
}

// ObserveRun counts a finished run.
func ObserveRun(kind, state string) {
	runsTotal.WithLabelValues(kind, state).Inc()
}

// IncInFlight increments the in-flight attempts gauge.
func IncInFlight() {
	attemptsInFlight.Inc()
}

// DecInFlight decrements the in-flight attempts gauge.
func DecInFlight() {
	attemptsInFlight.Dec()
}

// ObserveRateLimitDelay records the duration of a dispatch spacing wait.
func ObserveRateLimitDelay(duration time.Duration) {
	rateLimitDelaySeconds.Observe(duration.Seconds())
}

// ObserveRobotsFallback counts a robots.txt probe that fell back to allow-all.
func ObserveRobotsFallback() {
	robotsFallbackTotal.Inc()
}

// ObserveHeadlessPromotion counts a headless re-fetch; result is "ok" or
// "error".
func ObserveHeadlessPromotion(result string) {
	headlessPromotionsTotal.WithLabelValues(result).Inc()
}

// ObserveLLMTokens adds token usage reported by a model call.
func ObserveLLMTokens(provider string, prompt, completion int) {
	if prompt > 0 {
		llmTokensTotal.WithLabelValues(provider, "prompt").Add(float64(prompt))
	}
	if completion > 0 {
		llmTokensTotal.WithLabelValues(provider, "completion").Add(float64(completion))
	}
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
