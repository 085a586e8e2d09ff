package livesync

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Outcome label values for syncEventsTotal.
const (
	outcomeApplied = "applied"
	outcomeIgnored = "ignored"
	outcomeInvalid = "invalid"
)

// Prometheus metrics.
var (
	syncEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lostfound_sync_events_total",
			Help: "Total number of change events processed by the synchronizer",
		},
		[]string{"kind", "outcome"},
	)

	syncCollectionSize = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "lostfound_sync_collection_items",
			Help: "Number of items currently held in the collection",
		},
	)

	syncLoadDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "lostfound_sync_load_duration_seconds",
			Help:    "Bulk load duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	syncLoadFailuresTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "lostfound_sync_load_failures_total",
			Help: "Total number of failed bulk loads",
		},
	)

	syncSubscribed = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "lostfound_sync_subscribed",
			Help: "Whether the change stream subscription is open",
		},
	)
)
