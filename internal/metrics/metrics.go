package metrics

import (
	"runtime"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"ingestq/internal/version"
)

const namespace = "ingestq"

var (
	// Admission
	Admissions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "admission",
		Name:      "total",
		Help:      "Admission decisions by outcome.",
	}, []string{"outcome"})

	AdmittedBytes = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "admission",
		Name:      "bytes_total",
		Help:      "Payload bytes accepted into the queue.",
	})

	// Queue
	QueueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "queue",
		Name:      "depth",
		Help:      "Messages currently queued.",
	})

	QueueCapacity = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "queue",
		Name:      "capacity",
		Help:      "Queue capacity derived from the memory budget.",
	})

	// Worker
	WorkerProcessed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "worker",
		Name:      "processed_total",
		Help:      "Messages handled by the worker, by status.",
	}, []string{"status"})

	WorkerLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "worker",
		Name:      "process_seconds",
		Help:      "Time spent processing one message.",
		Buckets:   []float64{.0005, .001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
	})

	WorkerState = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "worker",
		Name:      "state",
		Help:      "Worker state: 0 idle, 1 processing, 2 shutting down, 3 stopped.",
	})

	WorkerDiscarded = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "worker",
		Name:      "discarded_total",
		Help:      "Messages left unprocessed at shutdown.",
	})

	// HTTP
	HTTPRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "http",
		Name:      "requests_total",
		Help:      "Total HTTP requests.",
	}, []string{"method", "path", "status"})

	HTTPLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "http",
		Name:      "request_seconds",
		Help:      "HTTP request latency.",
		Buckets:   []float64{.0005, .001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
	}, []string{"method", "path", "status"})

	HTTPInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "http",
		Name:      "inflight",
		Help:      "In-flight HTTP requests.",
	})

	// Processors
	BreakerState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "breaker",
		Name:      "state",
		Help:      "Circuit breaker state: 0 closed, 1 open, 2 half-open.",
	}, []string{"name"})

	// System
	SystemInfo = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "system",
		Name:      "info",
		Help:      "Build information.",
	}, []string{"version", "commit", "build_date", "go_version"})

	SystemUptime = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "system",
		Name:      "uptime_seconds",
		Help:      "Process uptime in seconds.",
	})
)

var (
	registry  *prometheus.Registry
	regOnce   sync.Once
	startTime time.Time
)

// Init creates the registry and registers every collector. Later calls are no-ops.
func Init() {
	regOnce.Do(func() {
		startTime = time.Now()
		registry = prometheus.NewRegistry()
		registry.MustRegister(collectors.NewGoCollector())
		registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		registry.MustRegister(
			Admissions, AdmittedBytes,
			QueueDepth, QueueCapacity,
			WorkerProcessed, WorkerLatency, WorkerState, WorkerDiscarded,
			HTTPRequests, HTTPLatency, HTTPInFlight,
			BreakerState,
			SystemInfo, SystemUptime,
		)
		SystemInfo.WithLabelValues(version.Version, version.Commit, version.Date, runtime.Version()).Set(1)

		go func() {
			ticker := time.NewTicker(10 * time.Second)
			defer ticker.Stop()
			for range ticker.C {
				SystemUptime.Set(time.Since(startTime).Seconds())
			}
		}()
	})
}

// Registry returns the custom Prometheus registry. Nil until Init.
func Registry() *prometheus.Registry {
	return registry
}

// Uptime is the time since Init.
func Uptime() time.Duration {
	if startTime.IsZero() {
		return 0
	}
	return time.Since(startTime)
}

// RecordAdmission counts one admission decision; bytes are only added for accepted payloads.
func RecordAdmission(outcome string, accepted bool, size int) {
	Admissions.WithLabelValues(outcome).Inc()
	if accepted {
		AdmittedBytes.Add(float64(size))
	}
}

// RecordHTTPRequest records an HTTP request with all relevant metrics.
func RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	statusStr := strconv.Itoa(status)
	HTTPRequests.WithLabelValues(method, path, statusStr).Inc()
	HTTPLatency.WithLabelValues(method, path, statusStr).Observe(duration.Seconds())
}

// RecordProcessed records one worker result.
func RecordProcessed(status string, took time.Duration) {
	WorkerProcessed.WithLabelValues(status).Inc()
	WorkerLatency.Observe(took.Seconds())
}

// SetQueue publishes the queue gauges.
func SetQueue(depth, capacity int) {
	QueueDepth.Set(float64(depth))
	QueueCapacity.Set(float64(capacity))
}
