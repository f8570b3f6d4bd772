package selector

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var selectionsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "nudge",
		Subsystem: "selector",
		Name:      "selections_total",
		Help:      "Selection results by nudge type or denial reason",
	},
	[]string{"result"},
)
