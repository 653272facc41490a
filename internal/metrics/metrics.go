// Package metrics exposes Prometheus collectors for the fetch service.
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

var (
	jobsTotal                 *prometheus.CounterVec
	executionDurationSeconds  *prometheus.HistogramVec
	executionFailuresTotal    *prometheus.CounterVec
	generationsTotal          *prometheus.CounterVec
	validationsTotal          *prometheus.CounterVec
	promotionsTotal           prometheus.Counter
	activeWorkers             prometheus.Gauge
	queueDepth                prometheus.Gauge
	filesPublishedTotal       *prometheus.CounterVec
	structureLockWaitsSeconds prometheus.Histogram
	httpRequestsTotal         *prometheus.CounterVec
	httpRequestSeconds        *prometheus.HistogramVec
	rateLimitDelaySeconds     *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		jobsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fetcherd_jobs_total",
				Help: "Total number of jobs processed, labeled by source type and terminal status.",
			},
			[]string{"source_type", "status"},
		)

		executionDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "fetcherd_execution_duration_seconds",
				Help:    "Histogram of source execution latencies, labeled by source type.",
				Buckets: []float64{0.1, 0.5, 1, 5, 15, 60, 300},
			},
			[]string{"source_type"},
		)

		executionFailuresTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fetcherd_execution_failures_total",
				Help: "Total execution failures, labeled by error class.",
			},
			[]string{"class"},
		)

		generationsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fetcherd_generations_total",
				Help: "Total fetcher code generations, labeled by structure and trigger.",
			},
			[]string{"structure", "trigger"},
		)

		validationsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fetcherd_validations_total",
				Help: "Total candidate validations, labeled by verdict.",
			},
			[]string{"verdict"},
		)

		promotionsTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "fetcherd_promotions_total",
				Help: "Total successful fetcher version promotions.",
			},
		)

		activeWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "fetcherd_active_workers",
				Help: "Number of workers currently processing a job.",
			},
		)

		queueDepth = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "fetcherd_queue_depth",
				Help: "Number of jobs waiting in the inbound queue.",
			},
		)

		filesPublishedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fetcherd_files_published_total",
				Help: "Files handed to the upload service, labeled by dedup outcome.",
			},
			[]string{"outcome"},
		)

		structureLockWaitsSeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "fetcherd_structure_lock_wait_seconds",
				Help:    "Histogram of waits for the per-structure regeneration token.",
				Buckets: []float64{0.01, 0.1, 0.5, 1, 5, 30, 120},
			},
		)
		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fetcherd_http_requests_total",
				Help: "Total HTTP API requests, labeled by method, route, and status.",
			},
			[]string{"method", "route", "status"},
		)

		httpRequestSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "fetcherd_http_request_duration_seconds",
				Help:    "Histogram of HTTP API request latencies, labeled by method and route.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		)

		rateLimitDelaySeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "fetcherd_rate_limit_delay_seconds",
				Help:    "Histogram of delays introduced by the per-host politeness limiter.",
				Buckets: []float64{0.01, 0.1, 0.5, 1, 5, 30},
			},
			[]string{"host"},
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveJob increments the job counter for the given terminal status.
func ObserveJob(sourceType, status string) {
	if jobsTotal == nil {
		return
	}
	jobsTotal.WithLabelValues(sourceType, status).Inc()
}

// ObserveExecution records one execution's duration.
func ObserveExecution(sourceType string, duration time.Duration) {
	if executionDurationSeconds == nil {
		return
	}
	executionDurationSeconds.WithLabelValues(sourceType).Observe(duration.Seconds())
}

// ObserveFailure increments the failure counter for an error class.
func ObserveFailure(class string) {
	if executionFailuresTotal == nil {
		return
	}
	executionFailuresTotal.WithLabelValues(class).Inc()
}

// ObserveGeneration increments the generation counter.
func ObserveGeneration(structure, trigger string) {
	if generationsTotal == nil {
		return
	}
	generationsTotal.WithLabelValues(structure, trigger).Inc()
}

// ObserveValidation increments the validation counter for a verdict.
func ObserveValidation(verdict string) {
	if validationsTotal == nil {
		return
	}
	validationsTotal.WithLabelValues(verdict).Inc()
}

// ObservePromotion increments the promotion counter.
func ObservePromotion() {
	if promotionsTotal == nil {
		return
	}
	promotionsTotal.Inc()
}

// IncActiveWorkers increments the active workers gauge.
func IncActiveWorkers() {
	if activeWorkers == nil {
		return
	}
	activeWorkers.Inc()
}

// DecActiveWorkers decrements the active workers gauge.
func DecActiveWorkers() {
	if activeWorkers == nil {
		return
	}
	activeWorkers.Dec()
}

// SetQueueDepth records the current inbound queue depth.
func SetQueueDepth(depth int) {
	if queueDepth == nil {
		return
	}
	queueDepth.Set(float64(depth))
}

// ObservePublished records dedup outcomes returned by the upload service.
func ObservePublished(newCount, updated, duplicates int) {
	if filesPublishedTotal == nil {
		return
	}
	filesPublishedTotal.WithLabelValues("new").Add(float64(newCount))
	filesPublishedTotal.WithLabelValues("updated").Add(float64(updated))
	filesPublishedTotal.WithLabelValues("duplicate").Add(float64(duplicates))
}

// ObserveLockWait records how long a job waited for a structure token.
func ObserveLockWait(duration time.Duration) {
	if structureLockWaitsSeconds == nil {
		return
	}
	structureLockWaitsSeconds.Observe(duration.Seconds())
}

// ObserveHTTPRequest records one API request.
func ObserveHTTPRequest(method, route string, status int, duration time.Duration) {
	if httpRequestsTotal == nil {
		return
	}
	httpRequestsTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	httpRequestSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// ObserveRateLimitDelay records a politeness wait for a host.
func ObserveRateLimitDelay(host string, duration time.Duration) {
	if rateLimitDelaySeconds == nil {
		return
	}
	rateLimitDelaySeconds.WithLabelValues(host).Observe(duration.Seconds())
}
