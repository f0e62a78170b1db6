// SPDX-License-Identifier: AGPL-3.0-only

package reconciler

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type reconcilerMetrics struct {
	rowsProcessed prometheus.Counter
	rowsSkipped   prometheus.Counter
	rowsFailed    prometheus.Counter

	cacheHits   prometheus.Counter
	cacheMisses prometheus.Counter

	batchSize    prometheus.Gauge
	circuitState prometheus.Gauge

	lookupDuration prometheus.Histogram
	writeDuration  prometheus.Histogram

	deltasApplied prometheus.Counter
	deltasSkipped prometheus.Counter
}

func newReconcilerMetrics(reg prometheus.Registerer) *reconcilerMetrics {
	return &reconcilerMetrics{
		rowsProcessed: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "roster_reconciler_rows_processed_total",
			Help: "Upsert rows successfully written to the store.",
		}),
		rowsSkipped: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "roster_reconciler_rows_skipped_total",
			Help: "Upsert rows skipped due to validation failures or deduplication.",
		}),
		rowsFailed: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "roster_reconciler_rows_failed_total",
			Help: "Upsert rows dropped because their write batch failed.",
		}),
		cacheHits: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "roster_reconciler_lookup_cache_hits_total",
			Help: "Employee lookups served from the in-memory cache.",
		}),
		cacheMisses: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "roster_reconciler_lookup_cache_misses_total",
			Help: "Employee lookups that required a store query.",
		}),
		batchSize: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "roster_reconciler_write_batch_size",
			Help: "Current adaptive write batch size.",
		}),
		circuitState: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "roster_reconciler_circuit_state",
			Help: "Circuit breaker state (0=closed, 1=open, 2=half-open).",
		}),
		lookupDuration: promauto.With(reg).NewHistogram(prometheus.HistogramOpts{
			Name:    "roster_reconciler_lookup_duration_seconds",
			Help:    "Duration of bulk employee resolution.",
			Buckets: prometheus.DefBuckets,
		}),
		writeDuration: promauto.With(reg).NewHistogram(prometheus.HistogramOpts{
			Name:    "roster_reconciler_write_duration_seconds",
			Help:    "Duration of batched store writes per invocation.",
			Buckets: prometheus.DefBuckets,
		}),
		deltasApplied: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "roster_reconciler_deltas_applied_total",
			Help: "Delta events applied to employee documents.",
		}),
		deltasSkipped: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "roster_reconciler_deltas_skipped_total",
			Help: "Delta events skipped due to validation failures or unknown employees.",
		}),
	}
}
