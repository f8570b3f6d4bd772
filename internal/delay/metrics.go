package delay

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	createdTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "nudge",
			Subsystem: "delay",
			Name:      "created_total",
			Help:      "Cooling-off periods started",
		},
	)

	completedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "nudge",
			Subsystem: "delay",
			Name:      "completed_total",
			Help:      "Cooling-off periods completed by outcome",
		},
		[]string{"outcome"},
	)

	remindersTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "nudge",
			Subsystem: "delay",
			Name:      "reminders_total",
			Help:      "Reminders shown for active delays",
		},
	)
)
