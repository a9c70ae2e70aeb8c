package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	once sync.Once

	tasksEnqueued = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "medisync",
			Name:      "tasks_enqueued_total",
			Help:      "Sync tasks enqueued by resource type.",
		},
		[]string{"resource_type"},
	)

	tasksCompleted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "medisync",
			Name:      "tasks_completed_total",
			Help:      "Sync tasks reaching a terminal state by outcome.",
		},
		[]string{"resource_type", "outcome"},
	)

	conflictsResolved = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "medisync",
			Name:      "conflicts_resolved_total",
			Help:      "Version conflicts resolved by strategy.",
		},
		[]string{"strategy"},
	)

	syncDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "medisync",
			Name:      "sync_duration_seconds",
			Help:      "Wall time of a single remote dispatch attempt.",
			Buckets:   prometheus.DefBuckets,
		},
	)

	queueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "medisync",
			Name:      "queue_depth",
			Help:      "Pending tasks currently in the mutation store.",
		},
	)

	connectivityOnline = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "medisync",
			Name:      "connectivity_online",
			Help:      "1 when the remote service is reachable.",
		},
	)

	connectivityTier = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "medisync",
			Name:      "connectivity_tier",
			Help:      "Current quality tier (0=poor .. 3=excellent).",
		},
	)
)

// Register registers Prometheus metrics. Safe to call multiple times.
func Register() {
	once.Do(func() {
		prometheus.MustRegister(
			tasksEnqueued,
			tasksCompleted,
			conflictsResolved,
			syncDuration,
			queueDepth,
			connectivityOnline,
			connectivityTier,
		)
	})
}

// IncEnqueued counts a new task for a resource type.
func IncEnqueued(resourceType string) {
	tasksEnqueued.WithLabelValues(resourceType).Inc()
}

// IncCompleted counts a terminal task outcome (succeeded, failed, evicted).
func IncCompleted(resourceType, outcome string) {
	tasksCompleted.WithLabelValues(resourceType, outcome).Inc()
}

// IncConflictResolved counts a resolved conflict by strategy name.
func IncConflictResolved(strategy string) {
	conflictsResolved.WithLabelValues(strategy).Inc()
}

// ObserveSyncDuration records one dispatch attempt's duration in seconds.
func ObserveSyncDuration(seconds float64) {
	syncDuration.Observe(seconds)
}

// SetQueueDepth records the number of pending tasks.
func SetQueueDepth(n int) {
	queueDepth.Set(float64(n))
}

// SetConnectivity records reachability and tier.
func SetConnectivity(online bool, tier int) {
	if online {
		connectivityOnline.Set(1)
	} else {
		connectivityOnline.Set(0)
	}
	connectivityTier.Set(float64(tier))
}
