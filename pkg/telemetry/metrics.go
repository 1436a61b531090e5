package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// In-process instruments. They are registered on the default registry; the
// engine exposes no scrape surface of its own.
var (
	// OperationsStarted counts operations that transitioned to running.
	OperationsStarted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "stackpilot",
		Name:      "operations_started_total",
		Help:      "Operations that entered the running state.",
	}, []string{"category", "work_type"})

	// OperationsCompleted counts operations by terminal outcome.
	OperationsCompleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "stackpilot",
		Name:      "operations_completed_total",
		Help:      "Operations that reached a terminal state, by status.",
	}, []string{"category", "status"})

	// OperationRetries counts retry cycles.
	OperationRetries = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "stackpilot",
		Name:      "operation_retries_total",
		Help:      "Retry cycles scheduled after transient body failures.",
	})

	// OperationDuration observes terminal operation durations in seconds.
	OperationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "stackpilot",
		Name:      "operation_duration_seconds",
		Help:      "Wall-clock duration of terminal operations.",
		Buckets:   prometheus.ExponentialBuckets(1, 4, 8),
	}, []string{"category"})

	// CacheHits counts reads served from cache.
	CacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "stackpilot",
		Name:      "cache_hits_total",
		Help:      "Reads served without contacting the remote system.",
	})

	// CacheMisses counts reads that required a remote fetch or query fill.
	CacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "stackpilot",
		Name:      "cache_misses_total",
		Help:      "Reads that fell through to the remote system.",
	})
)
