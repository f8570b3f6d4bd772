package engine

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	actionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "nudge",
			Subsystem: "engine",
			Name:      "actions_total",
			Help:      "Actions reported by the page observer",
		},
		[]string{"kind"},
	)

	nudgesShownTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "nudge",
			Subsystem: "engine",
			Name:      "nudges_shown_total",
			Help:      "Nudges published to the UI",
		},
		[]string{"type"},
	)

	alarmsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "nudge",
			Subsystem: "engine",
			Name:      "alarms_total",
			Help:      "Scheduler alarms routed by kind",
		},
		[]string{"kind"},
	)

	messagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "nudge",
			Subsystem: "engine",
			Name:      "messages_total",
			Help:      "Inbound messages by type and result",
		},
		[]string{"type", "result"},
	)
)
