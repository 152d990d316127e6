package worker

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	tasksProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "checkq_tasks_processed_total",
		Help: "Total number of check tasks processed, by outcome",
	}, []string{"status"})

	tasksRequeued = promauto.NewCounter(prometheus.CounterOpts{
		Name: "checkq_tasks_requeued_total",
		Help: "Total number of tasks requeued after lease expiry",
	})

	checkDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "checkq_check_duration_seconds",
		Help:    "Time spent in the external checker per task",
		Buckets: prometheus.DefBuckets,
	}, []string{"status"})
)
