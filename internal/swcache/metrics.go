package swcache

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	fetchTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "minishell_worker_fetch_total",
			Help: "Requests handled by mini-app workers",
		},
		[]string{"route", "strategy", "outcome"},
	)

	fetchDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "minishell_worker_fetch_duration_seconds",
			Help:    "Time spent answering a request in a worker",
			Buckets: prometheus.ExponentialBuckets(0.0005, 4, 9),
		},
		[]string{"strategy"},
	)

	precacheFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "minishell_worker_precache_failures_total",
			Help: "Install-time precache fetches that failed",
		},
		[]string{"partition"},
	)

	lifecycleTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "minishell_worker_lifecycle_transitions_total",
			Help: "Worker state transitions",
		},
		[]string{"state"},
	)

	partitionsDeleted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "minishell_worker_partitions_deleted_total",
			Help: "Cache partitions removed by activation or clear commands",
		},
	)

	revalidations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "minishell_worker_revalidations_total",
			Help: "Background revalidations by result",
		},
		[]string{"result"},
	)
)
