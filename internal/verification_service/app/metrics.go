package app

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	verificationsCreatedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "verification_gateway",
			Name:      "verifications_created_total",
			Help:      "Create attempts by result.",
		},
		[]string{"result"}, // result: success, insufficient_credit, upstream_unavailable, error
	)

	verificationTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "verification_gateway",
			Name:      "verification_transitions_total",
			Help:      "Committed terminal transitions by status.",
		},
		[]string{"status"},
	)

	verificationRefundsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "verification_gateway",
			Name:      "verification_refunds_total",
			Help:      "Refunds issued by failure reason.",
		},
		[]string{"reason"},
	)

	pollSessionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "verification_gateway",
			Name:      "poll_sessions_active",
			Help:      "Poll sessions currently running.",
		},
	)

	pollTicksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "verification_gateway",
			Name:      "poll_ticks_total",
			Help:      "Poll ticks by outcome.",
		},
		[]string{"outcome"}, // outcome: empty, message, terminal, error, timeout
	)
)
