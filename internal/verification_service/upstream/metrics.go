package upstream

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	upstreamRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "verification_gateway",
			Subsystem: "upstream",
			Name:      "requests_total",
			Help:      "Upstream calls by final outcome.",
		},
		[]string{"upstream", "outcome"}, // outcome: success, failure, circuit_open, rate_limited, cancelled
	)

	upstreamRequestDurationHist = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "verification_gateway",
			Subsystem: "upstream",
			Name:      "request_duration_seconds",
			Help:      "Duration of individual HTTP requests to upstreams.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"upstream"},
	)

	circuitStateGauge = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "verification_gateway",
			Subsystem: "upstream",
			Name:      "circuit_state",
			Help:      "Circuit breaker state per upstream (0 closed, 1 open, 2 half-open).",
		},
		[]string{"upstream"},
	)

	tokenRefreshTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "verification_gateway",
			Subsystem: "upstream",
			Name:      "token_refresh_total",
			Help:      "Bearer token acquisitions by result.",
		},
		[]string{"result"},
	)
)
