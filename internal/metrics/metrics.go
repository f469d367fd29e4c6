// Package metrics exposes Prometheus collectors for the scan service.
package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	tasksTotal              *prometheus.CounterVec
	scansCompletedTotal     prometheus.Counter
	cacheRequestsTotal      *prometheus.CounterVec
	analyzerDurationSeconds *prometheus.HistogramVec
	queueActiveHosts        prometheus.Gauge
	queueWaitingJobs        prometheus.Gauge
	storeFaultsTotal        prometheus.Counter
	httpRequestsTotal       *prometheus.CounterVec
	httpRequestDurationSecs *prometheus.HistogramVec

	once sync.Once
)

// Init registers the Prometheus collectors. Safe to call multiple times.
func Init() {
	once.Do(func() {
		tasksTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sitepulse_tasks_total",
				Help: "Total number of scan tasks settled, labeled by type and status.",
			},
			[]string{"type", "status"},
		)

		scansCompletedTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "sitepulse_scans_completed_total",
				Help: "Total number of scans that reached the complete status.",
			},
		)

		cacheRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sitepulse_cache_requests_total",
				Help: "Cache lookups, labeled by tier and result.",
			},
			[]string{"tier", "result"},
		)

		analyzerDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "sitepulse_analyzer_duration_seconds",
				Help:    "Histogram of analyzer run durations, labeled by type.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"type"},
		)

		queueActiveHosts = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "sitepulse_queue_active_hosts",
				Help: "Number of hosts with an in-flight job in the host queue.",
			},
		)

		queueWaitingJobs = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "sitepulse_queue_waiting_jobs",
				Help: "Number of jobs waiting for a free concurrency slot.",
			},
		)

		storeFaultsTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "sitepulse_store_faults_total",
				Help: "Total store access faults observed by the orchestrator.",
			},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sitepulse_http_requests_total",
				Help: "Total HTTP requests, labeled by method and code class.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSecs = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "sitepulse_http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)
	})
}

// Handler returns an http.Handler exposing the Prometheus registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveTask counts one settled task.
func ObserveTask(taskType, status string) {
	if tasksTotal == nil {
		return
	}
	tasksTotal.WithLabelValues(taskType, status).Inc()
}

// ObserveScanCompleted counts one scan reaching complete.
func ObserveScanCompleted() {
	if scansCompletedTotal == nil {
		return
	}
	scansCompletedTotal.Inc()
}

// ObserveCacheRequest counts one cache lookup outcome.
func ObserveCacheRequest(tier, result string) {
	if cacheRequestsTotal == nil {
		return
	}
	cacheRequestsTotal.WithLabelValues(tier, result).Inc()
}

// ObserveAnalyzerDuration records one analyzer run.
func ObserveAnalyzerDuration(taskType string, d time.Duration) {
	if analyzerDurationSeconds == nil {
		return
	}
	analyzerDurationSeconds.WithLabelValues(taskType).Observe(d.Seconds())
}

// SetQueueGauges updates the host-queue gauges from a stats snapshot.
func SetQueueGauges(activeHosts, waiting int) {
	if queueActiveHosts == nil {
		return
	}
	queueActiveHosts.Set(float64(activeHosts))
	queueWaitingJobs.Set(float64(waiting))
}

// ObserveStoreFault counts one orchestrator-level store fault.
func ObserveStoreFault() {
	if storeFaultsTotal == nil {
		return
	}
	storeFaultsTotal.Inc()
}

// ObserveHTTPRequest records one API request.
func ObserveHTTPRequest(method, route string, code int, d time.Duration) {
	if httpRequestsTotal == nil {
		return
	}
	httpRequestsTotal.WithLabelValues(method, codeClass(code)).Inc()
	httpRequestDurationSecs.WithLabelValues(method, route).Observe(d.Seconds())
}

func codeClass(code int) string {
	switch {
	case code >= 500:
		return "5xx"
	case code >= 400:
		return "4xx"
	case code >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}
