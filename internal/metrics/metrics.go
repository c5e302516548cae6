// Package metrics holds the Prometheus collectors of the credit service.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Reservation outcomes.
const (
	OutcomeReserved     = "reserved"
	OutcomeDuplicate    = "duplicate"
	OutcomeInsufficient = "insufficient"
	OutcomeError        = "error"
)

// Refund triggers.
const (
	TriggerRequest = "request"
	TriggerExpiry  = "expiry"
)

var (
	ReservationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "credits_reservations_total",
		Help: "Reserve attempts, labeled by outcome",
	}, []string{"outcome"})

	CreditsReservedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "credits_reserved_amount_total",
		Help: "Credits moved from balances into reservations",
	})

	ConfirmationsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "credits_confirmations_total",
		Help: "Reservations finalized as used",
	})

	RefundsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "credits_refunds_total",
		Help: "Reservations refunded, labeled by trigger",
	}, []string{"trigger"})

	CreditsRefundedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "credits_refunded_amount_total",
		Help: "Credits returned to balances, labeled by trigger",
	}, []string{"trigger"})

	SweepRunsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "credits_sweep_runs_total",
		Help: "Expiry sweep cycles executed",
	})

	SweepFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "credits_sweep_failures_total",
		Help: "Expired reservations whose refund failed and was deferred",
	})

	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "credits_http_requests_total",
		Help: "Total HTTP requests processed, labeled by status code",
	}, []string{"method", "endpoint", "status"})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "credits_http_request_duration_seconds",
		Help:    "Latency distribution of HTTP requests",
		Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
	}, []string{"method", "endpoint"})
)
