package notifier

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	connectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "verification_gateway",
			Subsystem: "notifier",
			Name:      "connections_active",
			Help:      "Live client connections.",
		},
	)

	eventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "verification_gateway",
			Subsystem: "notifier",
			Name:      "events_total",
			Help:      "Events handed to the hub by type and delivery result.",
		},
		[]string{"type", "result"}, // result: delivered, failed, no_connection
	)
)
