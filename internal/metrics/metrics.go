// Package metrics defines the Prometheus collectors exported on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Outcome labels used by the auth counters.
const (
	OutcomeSuccess  = "success"
	OutcomeRejected = "rejected"
	OutcomeError    = "error"
)

// Metrics groups the auth service collectors. A nil *Metrics is valid and
// records nothing, so callers never need to check.
type Metrics struct {
	Operations     *prometheus.CounterVec
	Infrastructure *prometheus.CounterVec
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Operations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "auth_operations_total",
				Help: "Total number of auth operations by operation and outcome",
			},
			[]string{"operation", "outcome"},
		),
		Infrastructure: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "auth_infrastructure_failures_total",
				Help: "Total number of store, cache and mailer failures by component",
			},
			[]string{"component"},
		),
	}
	reg.MustRegister(m.Operations, m.Infrastructure)
	return m
}

// Observe counts one finished operation.
func (m *Metrics) Observe(operation, outcome string) {
	if m == nil {
		return
	}
	m.Operations.WithLabelValues(operation, outcome).Inc()
}

// Failure counts one failed call to a collaborator ("store", "cache",
// "mailer").
func (m *Metrics) Failure(component string) {
	if m == nil {
		return
	}
	m.Infrastructure.WithLabelValues(component).Inc()
}
