package worker

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	statusSuccess = "success"
	statusFailure = "failure"
)

type metrics struct {
	submissionsTotal prometheus.Counter
	tasksTotal       *prometheus.CounterVec
	tasksRetried     prometheus.Counter
	busyWorkers      prometheus.Gauge
	taskDuration     prometheus.Histogram
}

func newMetrics(reg prometheus.Registerer) *metrics {
	return &metrics{
		submissionsTotal: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "keel_worker_submissions_total",
			Help: "Total number of task graphs submitted to the pool.",
		}),
		tasksTotal: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "keel_worker_tasks_total",
			Help: "Total number of tasks processed, by final status.",
		}, []string{"status"}),
		tasksRetried: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "keel_worker_task_retries_total",
			Help: "Total number of retries of transiently failing tasks.",
		}),
		busyWorkers: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "keel_worker_busy_workers",
			Help: "Number of workers currently running a task.",
		}),
		taskDuration: promauto.With(reg).NewHistogram(prometheus.HistogramOpts{
			Name:    "keel_worker_task_duration_seconds",
			Help:    "Time spent running a task, including retries.",
			Buckets: prometheus.DefBuckets,
		}),
	}
}
