package timing

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var decisionsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "nudge",
		Subsystem: "timing",
		Name:      "decisions_total",
		Help:      "Timing gate decisions by reason",
	},
	[]string{"reason"},
)
