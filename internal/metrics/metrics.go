// Package metrics exposes Prometheus collectors for the ingestion service.
package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Stage outcomes.
const (
	OutcomeSuccess     = "success"
	OutcomeSkipped     = "skipped"
	OutcomeFailed      = "failed"
	OutcomeConflict    = "conflict"
	OutcomeNotReady    = "not_ready"
	OutcomeRateLimited = "rate_limited"
)

var (
	stageTotal             *prometheus.CounterVec
	stageDurationSeconds   *prometheus.HistogramVec
	fetchBytesTotal        prometheus.Counter
	rateLimitRejections    prometheus.Counter
	dispatchInflight       prometheus.Gauge
	httpRequestsTotal      *prometheus.CounterVec
	httpRequestDurationSec *prometheus.HistogramVec

	once sync.Once
)

// Init registers the collectors with the default registry.
// It is safe to call multiple times.
func Init() {
	once.Do(func() {
		stageTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "story_ingest_stage_total",
				Help: "Pipeline stage invocations, labeled by stage and outcome.",
			},
			[]string{"stage", "outcome"},
		)

		stageDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "story_ingest_stage_duration_seconds",
				Help:    "Duration of pipeline stage work, labeled by stage.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"stage"},
		)

		fetchBytesTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "story_ingest_fetch_bytes_total",
				Help: "Total bytes of HTML fetched.",
			},
		)

		rateLimitRejections = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "story_ingest_ratelimit_rejections_total",
				Help: "Generate calls rejected by the cooldown limiter.",
			},
		)

		dispatchInflight = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "story_ingest_dispatch_inflight",
				Help: "Continuation tasks currently running.",
			},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "story_ingest_http_requests_total",
				Help: "HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSec = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "story_ingest_http_request_duration_seconds",
				Help:    "HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 15, 60},
			},
			[]string{"method", "route"},
		)
	})
}

// Handler returns an http.Handler exposing the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveStage records one stage invocation. A zero duration skips the histogram.
func ObserveStage(stage, outcome string, d time.Duration) {
	Init()
	stageTotal.WithLabelValues(stage, outcome).Inc()
	if d > 0 {
		stageDurationSeconds.WithLabelValues(stage).Observe(d.Seconds())
	}
}

// AddFetchBytes adds n to the fetched bytes counter.
func AddFetchBytes(n int) {
	Init()
	if n > 0 {
		fetchBytesTotal.Add(float64(n))
	}
}

// IncRateLimitRejection counts a cooldown rejection.
func IncRateLimitRejection() {
	Init()
	rateLimitRejections.Inc()
}

// IncDispatchInflight increments the in-flight task gauge.
func IncDispatchInflight() {
	Init()
	dispatchInflight.Inc()
}

// DecDispatchInflight decrements the in-flight task gauge.
func DecDispatchInflight() {
	Init()
	dispatchInflight.Dec()
}

// ObserveHTTPRequest records one served request.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSec.WithLabelValues(method, route).Observe(duration.Seconds())
}
