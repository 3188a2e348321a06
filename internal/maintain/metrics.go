package maintain

import (
	"net/http"
	"runtime"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Prometheus instrumentation for the Maintainer, donated by cuemby-warren's
// pkg/metrics idiom (package-level collectors + init-time MustRegister).
// Supplements spec.md's plain GET /health JSON with real counter/histogram
// series served on /metrics.
var (
	tasksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "recall_maintenance_tasks_total",
			Help: "Total maintenance task runs by type and outcome",
		},
		[]string{"type", "outcome"},
	)

	taskDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "recall_maintenance_task_duration_seconds",
			Help:    "Maintenance task duration in seconds by type",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"type"},
	)

	memoryUsageMB = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "recall_process_memory_mb",
			Help: "Resident process memory in megabytes",
		},
	)

	goroutines = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "recall_process_goroutines",
			Help: "Current goroutine count",
		},
	)

	requestLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "recall_request_latency_seconds",
			Help:    "End-to-end request latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	errorRate = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "recall_error_rate",
			Help: "Rolling request error rate (0.0-1.0)",
		},
	)
)

func init() {
	prometheus.MustRegister(
		tasksTotal,
		taskDuration,
		memoryUsageMB,
		goroutines,
		requestLatency,
		errorRate,
	)
}

func recordTaskDuration(taskType string, seconds float64) {
	taskDuration.WithLabelValues(taskType).Observe(seconds)
}

func recordTaskFailed(taskType string) {
	tasksTotal.WithLabelValues(taskType, "failed").Inc()
}

func recordTaskSucceeded(taskType string) {
	tasksTotal.WithLabelValues(taskType, "success").Inc()
}

// ObserveRequestLatency records one request's latency for /metrics.
func ObserveRequestLatency(seconds float64) { requestLatency.Observe(seconds) }

// SetErrorRate updates the rolling error-rate gauge.
func SetErrorRate(rate float64) { errorRate.Set(rate) }

// MetricsHandler exposes the Prometheus scrape endpoint for wiring into
// the HTTP server's /metrics route.
func MetricsHandler() http.Handler { return promhttp.Handler() }

// Health is a point-in-time system health snapshot, matching
// perf_monitor.py's get_health() shape (healthy flag + issue list).
type Health struct {
	Healthy bool
	Issues  []string
	Memory  SampleStats
}

// SampleStats mirrors perf_monitor.py's per-metric aggregation fields
// this repo actually has data for — process memory, via runtime, with no
// psutil equivalent to source CPU/latency percentiles from outside an
// actual request path.
type SampleStats struct {
	MemoryMB float64
}

// Thresholds mirror perf_monitor.py's get_health() literal constants:
// memory avg > 500MB, CPU avg > 80%, latency p95 > 1000ms, error rate >
// 1%. This repo only samples memory directly (no psutil-equivalent CPU
// sampler in the pack); latency and error-rate checks are evaluated from
// caller-supplied values. The HTTP middleware records request latency
// into the histogram via ObserveRequestLatency but computes no p95 or
// error rate: nothing calls SetErrorRate, and /health calls
// CheckHealth(0, 0), so only the memory check can fail there.
const (
	memoryThresholdMB   = 500.0
	errorRateThreshold  = 0.01
	latencyP95Threshold = 1.0 // seconds
)

// CheckHealth samples process memory and folds in caller-observed
// latencyP95Seconds/currentErrorRate to produce a Health verdict.
func CheckHealth(latencyP95Seconds, currentErrorRate float64) Health {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	memMB := float64(mem.Sys) / 1024 / 1024
	memoryUsageMB.Set(memMB)
	goroutines.Set(float64(runtime.NumGoroutine()))

	var issues []string
	if memMB > memoryThresholdMB {
		issues = append(issues, "memory usage high")
	}
	if latencyP95Seconds > latencyP95Threshold {
		issues = append(issues, "latency high")
	}
	if currentErrorRate > errorRateThreshold {
		issues = append(issues, "error rate high")
	}

	return Health{
		Healthy: len(issues) == 0,
		Issues:  issues,
		Memory:  SampleStats{MemoryMB: memMB},
	}
}
