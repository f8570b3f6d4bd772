package recovery

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var panicsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "nudge",
	Subsystem: "http",
	Name:      "panics_total",
	Help:      "Handler panics recovered, by route template",
}, []string{"route"})
