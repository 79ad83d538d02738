// Package metrics holds the Prometheus collectors of the calibration backend.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RecordsCreated counts records created, by status.
	RecordsCreated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "calibration_records_created_total",
			Help: "Calibration records created, by status.",
		},
		[]string{"status"},
	)

	// RecordsDeleted counts deleted records, by operation (single, machine).
	RecordsDeleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "calibration_records_deleted_total",
			Help: "Calibration records deleted, by operation.",
		},
		[]string{"op"},
	)

	// BlobCleanupFailures counts blobs that could not be removed.
	BlobCleanupFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "calibration_blob_cleanup_failures_total",
			Help: "Blob removals that failed after their record was deleted or its insert failed.",
		},
	)

	// BlobsSwept counts unreferenced blobs removed by the sweeper.
	BlobsSwept = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "calibration_blobs_swept_total",
			Help: "Unreferenced blobs removed by the orphan sweeper.",
		},
	)

	// Subscribers is the number of connected real-time viewers.
	Subscribers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "calibration_event_subscribers",
			Help: "Connected real-time viewers.",
		},
	)

	// EventsDropped counts viewers disconnected because they fell behind.
	EventsDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "calibration_event_subscribers_dropped_total",
			Help: "Viewers disconnected because their event buffer was full.",
		},
	)

	// WriteQueueWait observes how long writes wait for the single writer.
	WriteQueueWait = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "calibration_store_write_queue_wait_seconds",
			Help:    "Time a write spends queued before the writer picks it up.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 4, 8),
		},
	)

	// HTTPRequests counts HTTP requests by method, route and status.
	HTTPRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "calibration_http_requests_total",
			Help: "HTTP requests by method, route and status.",
		},
		[]string{"method", "route", "status"},
	)

	// HTTPDuration observes HTTP request latency by method and route.
	HTTPDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "calibration_http_request_duration_seconds",
			Help:    "HTTP request latency by method and route.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)
)
