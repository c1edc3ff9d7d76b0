// Package metrics defines the Prometheus instrumentation shared by the API,
// worker and cleanup loops. All collectors register on the default registry;
// the API exposes them on the configured metrics path.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "mediaforge"

var (
	// JobsCreated counts accepted jobs by type.
	JobsCreated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "jobs",
			Name:      "created_total",
			Help:      "Total number of jobs accepted into the queue",
		},
		[]string{"type"},
	)

	// JobsProcessed counts terminal transitions by type and outcome.
	JobsProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "jobs",
			Name:      "processed_total",
			Help:      "Total number of jobs that reached a terminal state",
		},
		[]string{"type", "status"},
	)

	// JobDuration observes wall-clock processing time by type.
	JobDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "jobs",
			Name:      "duration_seconds",
			Help:      "Wall-clock time spent processing a job",
			Buckets:   []float64{0.5, 1, 5, 15, 30, 60, 120, 300, 600, 1800},
		},
		[]string{"type"},
	)

	// QueueDepth tracks the number of jobs waiting in the queue.
	QueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "depth",
			Help:      "Number of jobs currently waiting in the queue",
		},
	)

	// UploadsStored counts accepted uploads.
	UploadsStored = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "uploads",
			Name:      "stored_total",
			Help:      "Total number of files accepted by the upload endpoint",
		},
	)

	// CleanupFilesDeleted counts files reclaimed by the sweep, per directory.
	CleanupFilesDeleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cleanup",
			Name:      "files_deleted_total",
			Help:      "Total number of files deleted by the cleanup sweep",
		},
		[]string{"directory"},
	)

	// CleanupBytesFreed counts bytes reclaimed by the sweep, per directory.
	CleanupBytesFreed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cleanup",
			Name:      "bytes_freed_total",
			Help:      "Total bytes reclaimed by the cleanup sweep",
		},
		[]string{"directory"},
	)
)

// Handler returns the HTTP handler serving the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
