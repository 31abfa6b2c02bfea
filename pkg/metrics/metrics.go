// Package metrics provides observability for the loader using Prometheus
// metrics. Collectors are registered on the default registry at init and are
// safe for concurrent use from every pipeline worker.
//
// # Basic Usage
//
//	// Count checkpoints released to the orchestrator
//	metrics.CheckpointsEmitted.WithLabelValues("STREAM").Inc()
//
//	// Time an operation
//	timer := metrics.NewTimer()
//	upload.Complete(ctx)
//	metrics.StepLatency.WithLabelValues("upload_completer").Observe(timer.Stop().Seconds())
//
// # Metric Types
//
// Counter: monotonically increasing values (records completed, parts uploaded)
// Gauge: values that go up and down (reserved bytes, queue depth)
// Histogram: distributions (step latency)
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ReservedBytes tracks bytes currently held per reservation manager.
	// Labels: manager (global or queue name)
	ReservedBytes = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "nebula_loader_reserved_bytes",
			Help: "Bytes currently reserved from a reservation manager",
		},
		[]string{"manager"},
	)

	// ReservationWaits counts reservations that had to wait for capacity.
	ReservationWaits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nebula_loader_reservation_waits_total",
			Help: "Reservations that blocked waiting for capacity",
		},
		[]string{"manager"},
	)

	// QueueDepth tracks items buffered in a partitioned queue.
	QueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "nebula_loader_queue_depth",
			Help: "Items currently buffered in a partitioned queue",
		},
		[]string{"queue_name"},
	)

	// CheckpointsAccepted counts checkpoint messages accepted into the state store.
	// Labels: kind (GLOBAL, GLOBAL_SNAPSHOT, STREAM)
	CheckpointsAccepted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nebula_loader_checkpoints_accepted_total",
			Help: "Checkpoint messages accepted into the state store",
		},
		[]string{"kind"},
	)

	// CheckpointsEmitted counts checkpoint messages released to the orchestrator.
	CheckpointsEmitted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nebula_loader_checkpoints_emitted_total",
			Help: "Checkpoint messages emitted to the orchestrator",
		},
		[]string{"kind"},
	)

	// RecordsCompleted counts records that reached durable storage.
	// Labels: path (object_storage or dlq_loader)
	RecordsCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nebula_loader_records_completed_total",
			Help: "Records durably stored and reported to the completion histogram",
		},
		[]string{"path"},
	)

	// HistogramOvercounts counts checkpoints whose processed count exceeded the expected count.
	HistogramOvercounts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "nebula_loader_histogram_overcounts_total",
			Help: "Checkpoints completed with more processed records than expected",
		},
	)

	// PartsUploaded counts uploaded parts.
	PartsUploaded = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "nebula_loader_parts_uploaded_total",
			Help: "Object parts uploaded",
		},
	)

	// BytesUploaded counts uploaded bytes.
	BytesUploaded = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "nebula_loader_bytes_uploaded_total",
			Help: "Bytes uploaded to object storage",
		},
	)

	// UploadsCompleted counts finalized remote objects.
	UploadsCompleted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "nebula_loader_uploads_completed_total",
			Help: "Remote objects finalized",
		},
	)

	// UploadsAborted counts multipart uploads discarded after a failure.
	UploadsAborted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "nebula_loader_uploads_aborted_total",
			Help: "Multipart uploads aborted because they could not be completed",
		},
	)

	// DLQRejected counts records rejected by the DLQ loader and routed to object storage.
	DLQRejected = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "nebula_loader_dlq_rejected_total",
			Help: "Records rejected by the DLQ loader",
		},
	)

	// StreamsCompleted counts streams whose end-of-stream cleared every completer partition.
	StreamsCompleted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "nebula_loader_streams_completed_total",
			Help: "Streams fully processed by the pipeline",
		},
	)

	// StreamsFailed counts streams abandoned because the run failed.
	StreamsFailed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "nebula_loader_streams_failed_total",
			Help: "Streams whose processing failed",
		},
	)

	// StepLatency tracks per-item processing latency by pipeline step.
	StepLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "nebula_loader_step_latency_seconds",
			Help:    "Latency of a pipeline step operation",
			Buckets: prometheus.ExponentialBuckets(0.001, 4, 8), // 1ms .. ~16s
		},
		[]string{"step"},
	)
)

// Timer provides a simple timing mechanism for measuring operation durations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer and starts timing immediately.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Stop returns the elapsed duration since creation. It can be called more than once.
func (t *Timer) Stop() time.Duration {
	return time.Since(t.start)
}

// ObserveStep records the elapsed time of timer against a step name.
func ObserveStep(step string, timer *Timer) {
	StepLatency.WithLabelValues(step).Observe(timer.Stop().Seconds())
}
