package job

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	jobsFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "planforge_jobs_total",
		Help: "Finished jobs by phase and terminal status.",
	}, []string{"phase", "status"})

	jobDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "planforge_job_duration_seconds",
		Help:    "Wall time from job pickup to terminal status.",
		Buckets: prometheus.ExponentialBuckets(0.5, 2, 12),
	}, []string{"phase"})
)
