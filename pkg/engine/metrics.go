package engine

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	statusSuccess = "success"
	statusFailure = "failure"
)

type metrics struct {
	queries  *prometheus.CounterVec
	persists *prometheus.CounterVec

	planningDuration  prometheus.Histogram
	executionDuration prometheus.Histogram

	partitionsScanned prometheus.Counter
	partitionsPruned  prometheus.Counter
	rowsShuffled      prometheus.Counter
}

func newMetrics(reg prometheus.Registerer) *metrics {
	return &metrics{
		queries: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "keel_engine_queries_total",
			Help: "Total number of executed queries, by final status.",
		}, []string{"status"}),
		persists: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "keel_engine_persists_total",
			Help: "Total number of persisted tables, by final status.",
		}, []string{"status"}),
		planningDuration: promauto.With(reg).NewHistogram(prometheus.HistogramOpts{
			Name:    "keel_engine_planning_duration_seconds",
			Help:    "Time spent building and optimizing physical plans.",
			Buckets: prometheus.DefBuckets,
		}),
		executionDuration: promauto.With(reg).NewHistogram(prometheus.HistogramOpts{
			Name:    "keel_engine_execution_duration_seconds",
			Help:    "Time spent executing plans, from the first read to exhaustion.",
			Buckets: prometheus.DefBuckets,
		}),
		partitionsScanned: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "keel_engine_partitions_scanned_total",
			Help: "Total number of source partitions opened by queries.",
		}),
		partitionsPruned: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "keel_engine_partitions_pruned_total",
			Help: "Total number of source partitions removed during optimization.",
		}),
		rowsShuffled: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "keel_engine_rows_shuffled_total",
			Help: "Total number of rows buffered by shuffles.",
		}),
	}
}
