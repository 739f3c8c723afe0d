// Package metrics holds the Prometheus instrumentation for the registry.
// All collectors live in the "drift" namespace and are registered with the
// default registry, so the exposition handler is promhttp's default.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "drift"

var (
	// RequestsTotal counts handled API requests by route, method and
	// status code.
	RequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "http",
		Name:      "requests_total",
		Help:      "Total number of API requests handled.",
	}, []string{"route", "method", "code"})

	// RequestDuration observes request latency by route and method.
	RequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "API request latency distributions.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"route", "method"})

	// InFlightRequests gauges requests currently being served.
	InFlightRequests = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "http",
		Name:      "in_flight_requests",
		Help:      "Number of API requests currently being served.",
	})

	// RejectedRequests counts requests shed by the connection limiter.
	RejectedRequests = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "http",
		Name:      "rejected_requests_total",
		Help:      "Requests rejected because the connection limit was reached.",
	})

	// ActiveUploads gauges live upload sessions.
	ActiveUploads = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "uploads",
		Name:      "active_sessions",
		Help:      "Number of in-progress blob upload sessions.",
	})

	// BlobBytesWritten counts blob payload bytes committed to storage.
	BlobBytesWritten = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "storage",
		Name:      "blob_bytes_written_total",
		Help:      "Total blob payload bytes committed to the backend.",
	})

	// GCBlobsDeleted counts blobs removed across garbage collection runs.
	GCBlobsDeleted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "gc",
		Name:      "blobs_deleted_total",
		Help:      "Blobs deleted by the garbage collector.",
	})

	// GCManifestsDeleted counts manifests removed across runs.
	GCManifestsDeleted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "gc",
		Name:      "manifests_deleted_total",
		Help:      "Manifests deleted by the garbage collector.",
	})

	// GCBytesFreed counts storage bytes reclaimed across runs.
	GCBytesFreed = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "gc",
		Name:      "bytes_freed_total",
		Help:      "Storage bytes reclaimed by the garbage collector.",
	})

	// GCRunDuration observes the wall-clock time of collection runs.
	GCRunDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "gc",
		Name:      "run_duration_seconds",
		Help:      "Garbage collection run duration distributions.",
		Buckets:   []float64{0.1, 0.5, 1, 5, 15, 60, 300, 900},
	})

	// GCRuns counts collection runs by outcome.
	GCRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "gc",
		Name:      "runs_total",
		Help:      "Garbage collection runs by outcome.",
	}, []string{"outcome"})
)

// Handler returns the Prometheus exposition handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
