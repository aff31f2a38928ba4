package agent

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	queuePolls = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "launch_agent_queue_polls_total",
		Help: "Number of run queue polls, by queue and outcome.",
	}, []string{"queue", "outcome"})

	jobsStarted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "launch_agent_jobs_started_total",
		Help: "Number of jobs dispatched to a backend.",
	})

	jobsFinished = promauto.NewCounter(prometheus.CounterOpts{
		Name: "launch_agent_jobs_finished_total",
		Help: "Number of jobs that reached a terminal status.",
	})

	jobsFailed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "launch_agent_jobs_failed_total",
		Help: "Number of queue items that failed to resolve, build, or submit.",
	})

	jobsRunning = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "launch_agent_jobs_running",
		Help: "Number of jobs currently tracked by the agent.",
	})

	buildDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "launch_agent_build_duration_seconds",
		Help:    "Image build wall time.",
		Buckets: prometheus.ExponentialBuckets(1, 2, 12),
	})
)
