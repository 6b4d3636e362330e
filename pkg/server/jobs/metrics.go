package jobs

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/datascout/datascout/internal/build"
)

var (
	jobsCreatedCounter = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: build.ProjectName,
		Name:      "jobs_created_total",
		Help:      "The number of streaming jobs started.",
	})

	jobsFailedCounter = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: build.ProjectName,
		Name:      "jobs_failed_total",
		Help:      "The number of streaming jobs whose run broke down before reporting done.",
	})

	droppedEventsCounter = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: build.ProjectName,
		Name:      "job_events_dropped_total",
		Help:      "The number of job events not queued because the live queue was full. Subscribers recover them from the job log.",
	})
)
