package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics groups the billing collectors. Each instance registers on its own
// registerer so tests can use a fresh registry.
type Metrics struct {
	Admissions      *prometheus.CounterVec
	Faults          *prometheus.CounterVec
	Reconciliations *prometheus.CounterVec
	CreditsCharged  *prometheus.CounterVec
	SettleDuration  prometheus.Histogram
	ProviderLatency *prometheus.HistogramVec
}

func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		Admissions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "credit_gateway_admissions_total",
				Help: "Metering admission decisions by outcome",
			},
			[]string{"outcome"},
		),
		Faults: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "credit_gateway_billing_faults_total",
				Help: "Billing system faults absorbed by the fail-open path",
			},
			[]string{"op"},
		),
		Reconciliations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "credit_gateway_reconciliations_total",
				Help: "Reconciliation outcomes by state and usage source",
			},
			[]string{"state", "source"},
		),
		CreditsCharged: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "credit_gateway_credits_charged_total",
				Help: "Credits charged, by billing target kind",
			},
			[]string{"target"},
		),
		SettleDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "credit_gateway_settle_duration_seconds",
				Help:    "Time spent reconciling a request",
				Buckets: prometheus.DefBuckets,
			},
		),
		ProviderLatency: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "credit_gateway_provider_latency_seconds",
				Help:    "Downstream provider call latency",
				Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
			},
			[]string{"provider"},
		),
	}
}
