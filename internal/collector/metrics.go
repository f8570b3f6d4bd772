package collector

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	eventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "nudge",
			Subsystem: "collector",
			Name:      "events_total",
			Help:      "Events received by result",
		},
		[]string{"result"},
	)

	connections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "nudge",
			Subsystem: "collector",
			Name:      "websocket_connections",
			Help:      "Open device websockets",
		},
	)
)
