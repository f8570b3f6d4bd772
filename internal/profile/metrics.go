package profile

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	interactionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "nudge",
			Subsystem: "profile",
			Name:      "interactions_total",
			Help:      "Interaction lifecycle updates by stage and nudge type",
		},
		[]string{"stage", "nudge_type"},
	)

	evictedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "nudge",
			Subsystem: "profile",
			Name:      "interactions_evicted_total",
			Help:      "Interactions dropped by FIFO retention",
		},
	)

	co2SavedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "nudge",
			Subsystem: "profile",
			Name:      "co2_saved_kg_total",
			Help:      "Kilograms of CO2 attributed to recorded outcomes",
		},
	)
)
