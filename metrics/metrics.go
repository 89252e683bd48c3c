// Package metrics exposes Prometheus collectors for the fetch service.
package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	fetchesTotal              *prometheus.CounterVec
	fetchDurationSeconds      *prometheus.HistogramVec
	transportAttemptsTotal    *prometheus.CounterVec
	fallbackStepsTotal        *prometheus.CounterVec
	antibotDetectionsTotal    *prometheus.CounterVec
	sessionEvictionsTotal     *prometheus.CounterVec
	sessionsGauge             prometheus.Gauge
	sessionsBusyGauge         prometheus.Gauge
	httpRequestsTotal         *prometheus.CounterVec
	httpRequestDurationSecond *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		fetchesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pagefetch_fetches_total",
				Help: "Completed fetches, labeled by outcome kind and extraction method.",
			},
			[]string{"outcome", "method"},
		)

		fetchDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "pagefetch_fetch_duration_seconds",
				Help:    "Wall-clock latency of a complete fetch.",
				Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"success"},
		)

		transportAttemptsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pagefetch_transport_attempts_total",
				Help: "Outbound transport calls, labeled by result code.",
			},
			[]string{"code"},
		)

		fallbackStepsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pagefetch_fallback_steps_total",
				Help: "Fallback cascade steps, labeled by step and result.",
			},
			[]string{"step", "result"},
		)

		antibotDetectionsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pagefetch_antibot_detections_total",
				Help: "Bot-mitigation vendor signatures seen in responses.",
			},
			[]string{"vendor"},
		)

		sessionEvictionsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pagefetch_session_evictions_total",
				Help: "Sessions removed from the pool, labeled by reason.",
			},
			[]string{"reason"},
		)

		sessionsGauge = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "pagefetch_sessions",
				Help: "Sessions currently held by the pool.",
			},
		)

		sessionsBusyGauge = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "pagefetch_sessions_busy",
				Help: "Sessions with at least one request in flight.",
			},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pagefetch_http_requests_total",
				Help: "API requests served, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSecond = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "pagefetch_http_request_duration_seconds",
				Help:    "Histogram of API request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"method", "route"},
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveFetch records a completed fetch.
func ObserveFetch(outcome, method string, success bool, d time.Duration) {
	Init()
	if method == "" {
		method = "none"
	}
	fetchesTotal.WithLabelValues(outcome, method).Inc()
	fetchDurationSeconds.WithLabelValues(strconv.FormatBool(success)).Observe(d.Seconds())
}

// ObserveTransportAttempt records one outbound call and its result code
// ("ok" on success).
func ObserveTransportAttempt(code string) {
	Init()
	transportAttemptsTotal.WithLabelValues(code).Inc()
}

// ObserveFallbackStep records the result of one cascade step
// ("improved", "kept", "skipped", "error").
func ObserveFallbackStep(step, result string) {
	Init()
	fallbackStepsTotal.WithLabelValues(step, result).Inc()
}

// ObserveAntibot records a detected bot-mitigation vendor.
func ObserveAntibot(vendor string) {
	Init()
	antibotDetectionsTotal.WithLabelValues(vendor).Inc()
}

// ObserveSessionEviction records a session leaving the pool.
func ObserveSessionEviction(reason string) {
	Init()
	sessionEvictionsTotal.WithLabelValues(reason).Inc()
}

// SetSessionGauges publishes the current pool occupancy.
func SetSessionGauges(total, busy int) {
	Init()
	sessionsGauge.Set(float64(total))
	sessionsBusyGauge.Set(float64(busy))
}

// Middleware records request counts and latencies for the gin router.
func Middleware() gin.HandlerFunc {
	Init()
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		httpRequestsTotal.WithLabelValues(c.Request.Method, strconv.Itoa(c.Writer.Status())).Inc()
		httpRequestDurationSecond.WithLabelValues(c.Request.Method, route).Observe(time.Since(start).Seconds())
	}
}
