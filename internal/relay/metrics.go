package relay

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	deliveredTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "nudge",
			Subsystem: "relay",
			Name:      "delivered_total",
			Help:      "Events acknowledged by the collector",
		},
	)

	droppedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "nudge",
			Subsystem: "relay",
			Name:      "dropped_total",
			Help:      "Events the collector rejected as irrecoverable",
		},
	)

	sendFailuresTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "nudge",
			Subsystem: "relay",
			Name:      "send_failures_total",
			Help:      "Recoverable delivery failures",
		},
	)

	evictedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "nudge",
			Subsystem: "relay",
			Name:      "evicted_total",
			Help:      "Events evicted from the full offline queue",
		},
	)

	queueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "nudge",
			Subsystem: "relay",
			Name:      "queue_depth",
			Help:      "Events waiting in the offline queue",
		},
	)

	connected = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "nudge",
			Subsystem: "relay",
			Name:      "connected",
			Help:      "1 while connected to the collector",
		},
	)

	reconnectsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "nudge",
			Subsystem: "relay",
			Name:      "reconnects_scheduled_total",
			Help:      "Reconnect attempts scheduled",
		},
	)

	connectFailuresTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "nudge",
			Subsystem: "relay",
			Name:      "connect_failures_total",
			Help:      "Failed dials to the collector",
		},
	)

	flushAbortsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "nudge",
			Subsystem: "relay",
			Name:      "flush_aborts_total",
			Help:      "Flushes aborted after consecutive failures",
		},
	)

	sendDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "nudge",
			Subsystem: "relay",
			Name:      "send_seconds",
			Help:      "Time from send to acknowledgement",
			Buckets:   prometheus.DefBuckets,
		},
	)
)
