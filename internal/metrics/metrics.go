package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	EventsRelayedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "outbox_events_relayed_total",
			Help: "Relay send attempts by operation and outcome",
		},
		[]string{"operation", "outcome"}, // publish|retry|publish_now , published|failed
	)

	CleanupDeletedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "outbox_cleanup_deleted_total",
			Help: "Published rows removed by the cleanup operation",
		},
	)

	// FailedBacklog includes dead-lettered rows; alert on sustained growth.
	FailedBacklog = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "outbox_failed_backlog",
			Help: "Current number of rows in Failed status",
		},
	)

	BatchDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "outbox_batch_duration_seconds",
			Help:    "Wall time of one relay operation invocation",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)

	TicksSkippedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "outbox_ticks_skipped_total",
			Help: "Scheduler ticks skipped because another node held the lock",
		},
		[]string{"operation"},
	)
)

func MustRegister(r prometheus.Registerer) {
	r.MustRegister(
		EventsRelayedTotal,
		CleanupDeletedTotal,
		FailedBacklog,
		BatchDuration,
		TicksSkippedTotal,
	)
}
