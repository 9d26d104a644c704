// Package metrics provides Prometheus-based metrics collection for ollamascan.
// Every scanner owns a private registry so concurrent runs and tests never
// share counters.
package metrics

import (
	"context"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const (
	// Namespace for all ollamascan metrics
	namespace = "ollamascan"

	// Subsystems
	subsystemScan   = "scan"
	subsystemSink   = "sink"
	subsystemSystem = "system"

	statusSuccess = "success"
	statusError   = "error"
)

// PrometheusMetrics holds all Prometheus metric collectors
type PrometheusMetrics struct {
	// Scan metrics
	probesTotal      *prometheus.CounterVec
	probeDuration    *prometheus.HistogramVec
	probesInFlight   prometheus.Gauge
	endpointsFound   prometheus.Counter
	modelsFound      prometheus.Counter
	targetsTotal     prometheus.Gauge
	targetsCompleted prometheus.Counter

	// Sink metrics
	sinkCommits *prometheus.CounterVec

	// System metrics
	goroutines prometheus.Gauge
	uptime     prometheus.Gauge

	startTime time.Time
	registry  *prometheus.Registry
}

// NewPrometheusMetrics creates a new Prometheus metrics instance with all collectors
func NewPrometheusMetrics() *PrometheusMetrics {
	registry := prometheus.NewRegistry()

	pm := &PrometheusMetrics{
		startTime: time.Now(),
		registry:  registry,
	}

	pm.initScanMetrics()
	pm.initSinkMetrics()
	pm.initSystemMetrics()

	pm.registerMetrics()

	// Register standard Go and process collectors for runtime visibility
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	return pm
}

// initScanMetrics initializes probe and progress metrics
func (pm *PrometheusMetrics) initScanMetrics() {
	pm.probesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemScan,
			Name:      "probes_total",
			Help:      "Total number of probes by outcome",
		},
		[]string{"outcome"},
	)

	pm.probeDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystemScan,
			Name:      "probe_duration_seconds",
			Help:      "Duration of probes in seconds by outcome",
			Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0},
		},
		[]string{"outcome"},
	)

	pm.probesInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystemScan,
			Name:      "probes_in_flight",
			Help:      "Number of probes currently running",
		},
	)

	pm.endpointsFound = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemScan,
			Name:      "endpoints_found_total",
			Help:      "Total number of inference endpoints discovered",
		},
	)

	pm.modelsFound = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemScan,
			Name:      "models_found_total",
			Help:      "Total number of models advertised by discovered endpoints",
		},
	)

	pm.targetsTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystemScan,
			Name:      "targets_total",
			Help:      "Number of unique targets in the current run",
		},
	)

	pm.targetsCompleted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemScan,
			Name:      "targets_completed",
			Help:      "Number of targets whose probe has completed",
		},
	)
}

// initSinkMetrics initializes result sink metrics
func (pm *PrometheusMetrics) initSinkMetrics() {
	pm.sinkCommits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemSink,
			Name:      "commits_total",
			Help:      "Total number of discovery commits by sink and status",
		},
		[]string{"sink", "status"},
	)
}

// initSystemMetrics initializes system-related metrics
func (pm *PrometheusMetrics) initSystemMetrics() {
	pm.goroutines = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystemSystem,
			Name:      "goroutines",
			Help:      "Current number of goroutines",
		},
	)

	pm.uptime = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystemSystem,
			Name:      "uptime_seconds",
			Help:      "Scanner uptime in seconds",
		},
	)
}

// registerMetrics registers all metrics with the Prometheus registry
func (pm *PrometheusMetrics) registerMetrics() {
	pm.registry.MustRegister(
		pm.probesTotal,
		pm.probeDuration,
		pm.probesInFlight,
		pm.endpointsFound,
		pm.modelsFound,
		pm.targetsTotal,
		pm.targetsCompleted,
		pm.sinkCommits,
		pm.goroutines,
		pm.uptime,
	)
}

// GetRegistry returns the Prometheus registry for HTTP handler
func (pm *PrometheusMetrics) GetRegistry() *prometheus.Registry {
	return pm.registry
}

// ObserveProbe counts a finished probe and records its duration.
func (pm *PrometheusMetrics) ObserveProbe(outcome string, duration time.Duration) {
	pm.probesTotal.WithLabelValues(outcome).Inc()
	pm.probeDuration.WithLabelValues(outcome).Observe(duration.Seconds())
}

// ProbeStarted increments the in-flight gauge.
func (pm *PrometheusMetrics) ProbeStarted() {
	pm.probesInFlight.Inc()
}

// ProbeFinished decrements the in-flight gauge.
func (pm *PrometheusMetrics) ProbeFinished() {
	pm.probesInFlight.Dec()
}

// EndpointFound counts a discovered endpoint and its models.
func (pm *PrometheusMetrics) EndpointFound(models int) {
	pm.endpointsFound.Inc()
	pm.modelsFound.Add(float64(models))
}

// SetTargetsTotal sets the number of unique targets in the run.
func (pm *PrometheusMetrics) SetTargetsTotal(total uint64) {
	pm.targetsTotal.Set(float64(total))
}

// TargetCompleted counts one completed target.
func (pm *PrometheusMetrics) TargetCompleted() {
	pm.targetsCompleted.Inc()
}

// SinkCommit counts one discovery commit.
func (pm *PrometheusMetrics) SinkCommit(sink string, success bool) {
	status := statusSuccess
	if !success {
		status = statusError
	}
	pm.sinkCommits.WithLabelValues(sink, status).Inc()
}

// UpdateSystemMetrics updates all system metrics with current values
func (pm *PrometheusMetrics) UpdateSystemMetrics() {
	pm.goroutines.Set(float64(runtime.NumGoroutine()))
	pm.uptime.Set(time.Since(pm.startTime).Seconds())
}

// StartPeriodicUpdates updates system metrics every interval until ctx is done.
func (pm *PrometheusMetrics) StartPeriodicUpdates(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	pm.UpdateSystemMetrics()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pm.UpdateSystemMetrics()
		}
	}
}
