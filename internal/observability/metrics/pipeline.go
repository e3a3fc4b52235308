package metrics

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

// PipelineMetrics holds the collectors of the detection pipeline.
type PipelineMetrics struct {
	OperationsTotal *prometheus.CounterVec
	Durations       *prometheus.HistogramVec
	ErrorsTotal     *prometheus.CounterVec

	QueueDepth   prometheus.Gauge
	WorkerActive prometheus.Gauge
	ModelReady   prometheus.Gauge
}

// NewPipelineMetrics creates the collectors and registers them with registry.
func NewPipelineMetrics(registry *prometheus.Registry) (*PipelineMetrics, error) {
	m := &PipelineMetrics{}
	m.initMetrics()
	if err := registry.Register(m); err != nil {
		return nil, fmt.Errorf("failed to register pipeline metrics: %w", err)
	}
	return m, nil
}

func (m *PipelineMetrics) initMetrics() {
	m.OperationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "smearscan_operations_total",
			Help: "Pipeline operations partitioned by operation and outcome.",
		},
		[]string{"operation", "status"},
	)
	m.Durations = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "smearscan_operation_duration_seconds",
			Help:    "Duration of pipeline operations.",
			Buckets: prometheus.ExponentialBuckets(BucketStart, BucketFactor, BucketCount),
		},
		[]string{"operation"},
	)
	m.ErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "smearscan_errors_total",
			Help: "Pipeline errors partitioned by operation and error type.",
		},
		[]string{"operation", "error_type"},
	)
	m.QueueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "smearscan_queue_depth",
		Help: "Jobs waiting in or being processed by the analysis queue.",
	})
	m.WorkerActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "smearscan_worker_active",
		Help: "Whether the analysis worker is processing a job (1) or idle (0).",
	})
	m.ModelReady = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "smearscan_model_ready",
		Help: "Whether the detection model is available (1) or not (0).",
	})
}

func (m *PipelineMetrics) RecordOperation(operation, status string) {
	m.OperationsTotal.WithLabelValues(operation, status).Inc()
}

func (m *PipelineMetrics) RecordDuration(operation string, seconds float64) {
	m.Durations.WithLabelValues(operation).Observe(seconds)
}

func (m *PipelineMetrics) RecordError(operation, errorType string) {
	m.ErrorsTotal.WithLabelValues(operation, errorType).Inc()
}

// SetQueueDepth sets the number of live jobs.
func (m *PipelineMetrics) SetQueueDepth(n int) {
	m.QueueDepth.Set(float64(n))
}

// SetWorkerActive records whether a job is being processed.
func (m *PipelineMetrics) SetWorkerActive(active bool) {
	m.WorkerActive.Set(boolToFloat(active))
}

// SetModelReady records whether the detection model is available.
func (m *PipelineMetrics) SetModelReady(ready bool) {
	m.ModelReady.Set(boolToFloat(ready))
}

func boolToFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

// Describe implements prometheus.Collector.
func (m *PipelineMetrics) Describe(ch chan<- *prometheus.Desc) {
	m.OperationsTotal.Describe(ch)
	m.Durations.Describe(ch)
	m.ErrorsTotal.Describe(ch)
	ch <- m.QueueDepth.Desc()
	ch <- m.WorkerActive.Desc()
	ch <- m.ModelReady.Desc()
}

// Collect implements prometheus.Collector.
func (m *PipelineMetrics) Collect(ch chan<- prometheus.Metric) {
	m.OperationsTotal.Collect(ch)
	m.Durations.Collect(ch)
	m.ErrorsTotal.Collect(ch)
	ch <- m.QueueDepth
	ch <- m.WorkerActive
	ch <- m.ModelReady
}
