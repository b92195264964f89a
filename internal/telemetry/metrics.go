package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "tenant_meter"

var (
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		},
		[]string{"method", "route"},
	)

	// AdmissionsTotal is labelled by outcome: admitted, rate_limited, quota_exceeded, error.
	AdmissionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "quota",
			Name:      "admissions_total",
			Help:      "Admission decisions by outcome",
		},
		[]string{"outcome"},
	)

	ReservedTokensTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "quota",
			Name:      "reserved_tokens_total",
			Help:      "Estimated tokens held for admitted requests",
		},
	)

	SettlementsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "settlement",
			Name:      "settlements_total",
			Help:      "First-time settlements by status class",
		},
		[]string{"status_class"},
	)

	ChargedTokensTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "settlement",
			Name:      "charged_tokens_total",
			Help:      "Tokens debited from tenant balances",
		},
		[]string{"route"},
	)

	ShortfallTokensTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "settlement",
			Name:      "shortfall_tokens_total",
			Help:      "Consumed tokens the tenant balance could not cover",
		},
		[]string{"route"},
	)

	ReplaysTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "settlement",
			Name:      "replays_total",
			Help:      "Settlements that matched an existing usage event",
		},
	)

	SweptReservationsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "settlement",
			Name:      "swept_reservations_total",
			Help:      "Abandoned reservations released by the sweeper",
		},
	)

	CreditedTokensTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "billing",
			Name:      "credited_tokens_total",
			Help:      "Tokens credited to tenant balances",
		},
		[]string{"reason"},
	)

	ProviderRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "provider",
			Name:      "requests_total",
			Help:      "Upstream model calls by provider and result",
		},
		[]string{"provider", "result"},
	)
)
