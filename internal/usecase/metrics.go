package usecase

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	sourceItems = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "advisoryscanner",
			Subsystem: "fetch",
			Name:      "items_total",
			Help:      "Candidates per source by outcome (fetched, new, duplicate, error).",
		},
		[]string{"source", "outcome"},
	)
	sourceFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "advisoryscanner",
			Subsystem: "fetch",
			Name:      "source_failures_total",
			Help:      "Adapter invocations that failed.",
		},
		[]string{"source"},
	)
	backfillRequests = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "advisoryscanner",
			Subsystem: "fetch",
			Name:      "cvss_backfill_requests_total",
			Help:      "CVSS provider requests spent by the post-fetch backfill.",
		},
	)
	enrichedAlerts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "advisoryscanner",
			Subsystem: "enrich",
			Name:      "alerts_total",
			Help:      "Alerts processed by the AI enrichment runs, by outcome.",
		},
		[]string{"kind", "outcome"},
	)
	runCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "advisoryscanner",
			Name:      "runs_total",
			Help:      "Completed runs by kind and status.",
		},
		[]string{"kind", "status"},
	)
	runDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "advisoryscanner",
			Name:      "run_duration_seconds",
			Help:      "Wall-clock duration of runs.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
		},
		[]string{"kind"},
	)
)
