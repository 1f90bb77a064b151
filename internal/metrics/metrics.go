// Package metrics defines the Prometheus collectors exported on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "usage_relay"

// Finalize reasons used as the "reason" label.
const (
	ReasonExplicit = "explicit"
	ReasonSwept    = "swept"
)

type Metrics struct {
	SessionsActive    prometheus.Gauge
	SessionsStarted   prometheus.Counter
	SessionsFinalized *prometheus.CounterVec
	FinalizeFailures  *prometheus.CounterVec
	UsageReports      prometheus.Counter
	UsageBytes        *prometheus.CounterVec
	EventsDispatched  *prometheus.CounterVec
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		SessionsActive: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Sessions currently held in memory.",
		}),
		SessionsStarted: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_started_total",
			Help:      "Sessions started.",
		}),
		SessionsFinalized: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_finalized_total",
			Help:      "Sessions finalized and persisted, by reason.",
		}, []string{"reason"}),
		FinalizeFailures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "finalize_failures_total",
			Help:      "Usage records the store rejected, by reason.",
		}, []string{"reason"}),
		UsageReports: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "usage_reports_total",
			Help:      "Usage reports applied to active sessions.",
		}),
		UsageBytes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "usage_bytes_total",
			Help:      "Bytes persisted in finalized usage records, by direction.",
		}, []string{"direction"}),
		EventsDispatched: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_dispatched_total",
			Help:      "Domain events handed to the transport, by kind.",
		}, []string{"kind"}),
	}
}

// Reason maps the swept flag of a finalize to its label value.
func Reason(swept bool) string {
	if swept {
		return ReasonSwept
	}
	return ReasonExplicit
}
