// Package metrics exposes Prometheus collectors for the scheduler.
package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	executionsTotal            *prometheus.CounterVec
	executionDurationSeconds   *prometheus.HistogramVec
	lockContentionTotal        *prometheus.CounterVec
	enqueuedTotal              *prometheus.CounterVec
	recoveredTotal             prometheus.Counter
	reclaimedTotal             prometheus.Counter
	beatTicksTotal             *prometheus.CounterVec
	activeWorkers              prometheus.Gauge
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec
	rateLimitDelaysSeconds     *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		executionsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "seosched_executions_total",
				Help: "Total number of task executions, labeled by entity kind and outcome.",
			},
			[]string{"kind", "outcome"},
		)

		executionDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "seosched_execution_duration_seconds",
				Help:    "Histogram of collaborator run latency, labeled by entity kind.",
				Buckets: []float64{0.5, 1, 5, 15, 30, 60, 120, 300, 600},
			},
			[]string{"kind"},
		)

		lockContentionTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "seosched_lock_contention_total",
				Help: "Executions skipped because another worker held the entity lock.",
			},
			[]string{"kind"},
		)

		enqueuedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "seosched_enqueued_total",
				Help: "Total number of queue items placed, labeled by queue and trigger.",
			},
			[]string{"queue", "trigger"},
		)

		recoveredTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "seosched_recovered_entities_total",
				Help: "Entities reset by the recovery sweeper.",
			},
		)

		reclaimedTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "seosched_reclaimed_items_total",
				Help: "In-flight queue items made redeliverable after their visibility deadline.",
			},
		)

		beatTicksTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "seosched_beat_ticks_total",
				Help: "Beat tick firings, labeled by tick name and result.",
			},
			[]string{"tick", "result"},
		)

		activeWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "seosched_active_workers",
				Help: "Number of workers currently executing a task.",
			},
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

		rateLimitDelaysSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "seosched_rate_limit_delays_seconds",
				Help:    "Histogram of collaborator rate limit wait durations.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"host"},
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	Init()
	return promhttp.Handler()
}

// ObserveExecution records one terminal execution.
func ObserveExecution(kind, outcome string) {
	Init()
	executionsTotal.WithLabelValues(kind, outcome).Inc()
}

// ObserveExecutionDuration records how long the collaborator call took.
func ObserveExecutionDuration(kind string, d time.Duration) {
	Init()
	executionDurationSeconds.WithLabelValues(kind).Observe(d.Seconds())
}

// ObserveLockContention counts a claim that lost the lock race.
func ObserveLockContention(kind string) {
	Init()
	lockContentionTotal.WithLabelValues(kind).Inc()
}

// ObserveEnqueued counts a queue placement.
func ObserveEnqueued(queue, trigger string) {
	Init()
	enqueuedTotal.WithLabelValues(queue, trigger).Inc()
}

// ObserveRecovered adds n to the recovered-entities counter.
func ObserveRecovered(n int) {
	Init()
	recoveredTotal.Add(float64(n))
}

// ObserveReclaimed adds n to the reclaimed-items counter.
func ObserveReclaimed(n int) {
	Init()
	reclaimedTotal.Add(float64(n))
}

// ObserveBeatTick records a tick firing; result is ran, deduped or failed.
func ObserveBeatTick(tick, result string) {
	Init()
	beatTicksTotal.WithLabelValues(tick, result).Inc()
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
func ObserveRateLimitDelay(host string, d time.Duration) {
	Init()
	rateLimitDelaysSeconds.WithLabelValues(host).Observe(d.Seconds())
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, d time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(d.Seconds())
}

// Middleware records request counts and latency per chi route pattern.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(ww, r)

		routePattern := "unknown"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			routePattern = rctx.RoutePattern()
		}
		ObserveHTTPRequest(r.Method, routePattern, ww.statusCode, time.Since(start))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (rec *statusRecorder) WriteHeader(code int) {
	rec.statusCode = code
	rec.ResponseWriter.WriteHeader(code)
}
