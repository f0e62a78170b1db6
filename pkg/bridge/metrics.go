// SPDX-License-Identifier: AGPL-3.0-only

package bridge

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type bridgeMetrics struct {
	recordsConsumed *prometheus.CounterVec
	recordsSkipped  *prometheus.CounterVec

	rowsBatched    prometheus.Counter
	batchesFlushed *prometheus.CounterVec
	batchAge       prometheus.Histogram

	sendAttempts prometheus.Counter
	sendRetries  prometheus.Counter
	sendFailures prometheus.Counter
	sendDuration prometheus.Histogram
}

func newBridgeMetrics(reg prometheus.Registerer) *bridgeMetrics {
	return &bridgeMetrics{
		recordsConsumed: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "roster_bridge_records_consumed_total",
			Help: "Kafka records consumed, by topic.",
		}, []string{"topic"}),
		recordsSkipped: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "roster_bridge_records_skipped_total",
			Help: "Kafka records skipped, by reason.",
		}, []string{"reason"}),
		rowsBatched: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "roster_bridge_rows_batched_total",
			Help: "Upsert rows added to batches.",
		}),
		batchesFlushed: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "roster_bridge_batches_flushed_total",
			Help: "Batches flushed to the reconciler, by trigger.",
		}, []string{"trigger"}),
		batchAge: promauto.With(reg).NewHistogram(prometheus.HistogramOpts{
			Name:    "roster_bridge_batch_age_seconds",
			Help:    "Age of batches at flush time.",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}),
		sendAttempts: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "roster_bridge_send_attempts_total",
			Help: "HTTP send attempts to the reconciler.",
		}),
		sendRetries: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "roster_bridge_send_retries_total",
			Help: "HTTP sends retried after a retryable failure.",
		}),
		sendFailures: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "roster_bridge_send_failures_total",
			Help: "Batches dropped after exhausting retries or on permanent errors.",
		}),
		sendDuration: promauto.With(reg).NewHistogram(prometheus.HistogramOpts{
			Name:    "roster_bridge_send_duration_seconds",
			Help:    "Duration of HTTP sends including retries.",
			Buckets: prometheus.DefBuckets,
		}),
	}
}
