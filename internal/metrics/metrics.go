// Package metrics provides Prometheus metrics for the clip engine.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the clip engine.
type Metrics struct {
	// Job metrics
	JobsProcessed *prometheus.CounterVec
	JobsFailed    *prometheus.CounterVec

	// Angle metrics
	AnglesCompleted *prometheus.CounterVec
	AnglesFailed    *prometheus.CounterVec
	AnglesSkipped   *prometheus.CounterVec // destination already existed

	// Timing metrics
	ExtractDuration  *prometheus.HistogramVec
	CompressDuration *prometheus.HistogramVec
	UploadDuration   *prometheus.HistogramVec

	// Size metrics
	ArtifactBytes *prometheus.HistogramVec

	// Engine metrics
	InFlightHeavyStages prometheus.Gauge
	ConcurrencyCeiling  prometheus.Gauge

	// Error metrics
	ToolErrors     *prometheus.CounterVec
	TransferErrors *prometheus.CounterVec
	RetryAttempts  *prometheus.CounterVec

	// Compression fallback
	AcceleratorFallbacks prometheus.Counter
}

// Config holds metrics configuration.
type Config struct {
	Enabled bool
	Address string // Address for metrics HTTP server (e.g., ":9090")
}

var defaultMetrics *Metrics

// Init initializes the metrics package with global metrics.
// Call this once at startup.
func Init(namespace string) *Metrics {
	if namespace == "" {
		namespace = "clip_engine"
	}

	m := &Metrics{
		JobsProcessed: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "jobs_processed_total",
				Help:      "Total number of jobs that reached a terminal state",
			},
			[]string{"status"},
		),
		JobsFailed: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "jobs_failed_total",
				Help:      "Total number of jobs with at least one failed angle",
			},
			[]string{"reason"},
		),
		AnglesCompleted: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "angles_completed_total",
				Help:      "Total number of camera angles processed successfully",
			},
			[]string{"angle"},
		),
		AnglesFailed: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "angles_failed_total",
				Help:      "Total number of camera angles that ended in error",
			},
			[]string{"angle", "stage"},
		),
		AnglesSkipped: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "angles_skipped_total",
				Help:      "Total number of angles skipped because the destination already existed",
			},
			[]string{"angle"},
		),
		ExtractDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "extract_duration_seconds",
				Help:      "Time to extract a segment from the source footage",
				Buckets:   prometheus.ExponentialBuckets(0.5, 2, 10), // 0.5s to ~500s
			},
			[]string{"angle"},
		),
		CompressDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "compress_duration_seconds",
				Help:      "Time to transcode a 4K segment down to 1080p",
				Buckets:   prometheus.ExponentialBuckets(1, 2, 12), // 1s to ~68m
			},
			[]string{"backend"},
		),
		UploadDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "upload_duration_seconds",
				Help:      "Time to upload a finished clip to object storage",
				Buckets:   prometheus.ExponentialBuckets(0.5, 2, 12), // 0.5s to ~17m
			},
			[]string{"strategy"},
		),
		ArtifactBytes: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "artifact_bytes",
				Help:      "Size of uploaded clip artifacts in bytes",
				Buckets:   prometheus.ExponentialBuckets(1<<20, 2, 14), // 1MB to ~8GB
			},
			[]string{"strategy"},
		),
		InFlightHeavyStages: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "in_flight_heavy_stages",
				Help:      "Number of angle pipelines currently holding a concurrency slot",
			},
		),
		ConcurrencyCeiling: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "concurrency_ceiling",
				Help:      "Concurrency ceiling in effect for the current batch",
			},
		),
		ToolErrors: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "tool_errors_total",
				Help:      "Total number of external tool failures",
			},
			[]string{"tool"},
		),
		TransferErrors: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "transfer_errors_total",
				Help:      "Total number of terminal transfer failures",
			},
			[]string{"kind"},
		),
		RetryAttempts: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "retry_attempts_total",
				Help:      "Total number of transfer retry attempts",
			},
			[]string{"operation"},
		),
		AcceleratorFallbacks: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "accelerator_fallbacks_total",
				Help:      "Total number of hardware transcode failures recovered by the software backend",
			},
		),
	}

	defaultMetrics = m
	return m
}

// Get returns the global metrics instance.
// Returns nil if Init has not been called.
func Get() *Metrics {
	return defaultMetrics
}

// StartServer starts an HTTP server for Prometheus metrics scraping.
// Blocks until the server exits.
func StartServer(address string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	return http.ListenAndServe(address, mux)
}

// IncJobsProcessed increments the jobs processed counter for a status.
func (m *Metrics) IncJobsProcessed(status string) {
	m.JobsProcessed.WithLabelValues(status).Inc()
}

// IncJobsFailed increments the jobs failed counter.
func (m *Metrics) IncJobsFailed(reason string) {
	m.JobsFailed.WithLabelValues(reason).Inc()
}

// IncAnglesCompleted increments the angles completed counter.
func (m *Metrics) IncAnglesCompleted(angle string) {
	m.AnglesCompleted.WithLabelValues(angle).Inc()
}

// IncAnglesFailed increments the angles failed counter.
func (m *Metrics) IncAnglesFailed(angle, stage string) {
	m.AnglesFailed.WithLabelValues(angle, stage).Inc()
}

// IncAnglesSkipped increments the idempotent-skip counter.
func (m *Metrics) IncAnglesSkipped(angle string) {
	m.AnglesSkipped.WithLabelValues(angle).Inc()
}

// ObserveExtractDuration records segment extraction time.
func (m *Metrics) ObserveExtractDuration(angle string, seconds float64) {
	m.ExtractDuration.WithLabelValues(angle).Observe(seconds)
}

// ObserveCompressDuration records transcode time for a backend.
func (m *Metrics) ObserveCompressDuration(backend string, seconds float64) {
	m.CompressDuration.WithLabelValues(backend).Observe(seconds)
}

// ObserveUploadDuration records upload time for a strategy.
func (m *Metrics) ObserveUploadDuration(strategy string, seconds float64) {
	m.UploadDuration.WithLabelValues(strategy).Observe(seconds)
}

// ObserveArtifactBytes records the size of an uploaded artifact.
func (m *Metrics) ObserveArtifactBytes(strategy string, bytes float64) {
	m.ArtifactBytes.WithLabelValues(strategy).Observe(bytes)
}

// SetInFlightHeavyStages sets the current number of held slots.
func (m *Metrics) SetInFlightHeavyStages(count float64) {
	m.InFlightHeavyStages.Set(count)
}

// SetConcurrencyCeiling sets the ceiling in effect.
func (m *Metrics) SetConcurrencyCeiling(ceiling float64) {
	m.ConcurrencyCeiling.Set(ceiling)
}

// IncToolErrors increments the external tool error counter.
func (m *Metrics) IncToolErrors(tool string) {
	m.ToolErrors.WithLabelValues(tool).Inc()
}

// IncTransferErrors increments the terminal transfer error counter.
func (m *Metrics) IncTransferErrors(kind string) {
	m.TransferErrors.WithLabelValues(kind).Inc()
}

// IncRetryAttempts increments the transfer retry counter.
func (m *Metrics) IncRetryAttempts(operation string) {
	m.RetryAttempts.WithLabelValues(operation).Inc()
}

// IncAcceleratorFallbacks increments the hardware-to-software fallback counter.
func (m *Metrics) IncAcceleratorFallbacks() {
	m.AcceleratorFallbacks.Inc()
}
