package trigger

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var firedTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "nudge",
		Subsystem: "trigger",
		Name:      "fired_total",
		Help:      "Predictive triggers fired by trigger id",
	},
	[]string{"trigger_id"},
)
