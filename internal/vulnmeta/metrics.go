package vulnmeta

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	lookupCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "advisoryscanner",
			Subsystem: "vulnmeta",
			Name:      "lookups_total",
			Help:      "Provider lookups by provider and outcome.",
		},
		[]string{"provider", "outcome"},
	)
	lookupDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "advisoryscanner",
			Subsystem: "vulnmeta",
			Name:      "lookup_duration_seconds",
			Help:      "Duration of provider lookups, including pacing and retries.",
		},
		[]string{"provider"},
	)
	cacheCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "advisoryscanner",
			Subsystem: "vulnmeta",
			Name:      "cache_total",
			Help:      "CVSS cache lookups by result.",
		},
		[]string{"result"},
	)
)
