package api

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var streamClients = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: "nudge",
	Subsystem: "api",
	Name:      "stream_clients",
	Help:      "Open event stream websocket connections",
})
