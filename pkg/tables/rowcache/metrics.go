package rowcache

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	versionLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tables_version_cache_lookups_total",
			Help: "Row versions answered by the current version cache (hit) or by the change log (miss)",
		},
		[]string{"result"})

	contentLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tables_row_content_cache_lookups_total",
			Help: "Row content lookups by result",
		},
		[]string{"result"})

	cacheRemovals = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tables_version_cache_removals_total",
			Help: "Tables dropped from the current version cache",
		},
		[]string{"reason"})

	reconcileDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tables_version_cache_reconcile_duration_seconds",
			Help:    "Time to fold new changes of a table into the current version cache",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"result"})

	changesReplayed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tables_version_cache_changes_replayed_total",
			Help: "Row changes read to update the current version cache",
		})
)
