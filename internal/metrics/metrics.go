// Package metrics holds the Prometheus instruments for provisioning. All
// collectors are registered with the default registry and exposed by the
// server on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	Transitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "subdomaind_transitions_total",
			Help: "Persisted subdomain state transitions.",
		}, []string{"from", "to"})

	ProviderErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "subdomaind_provider_errors_total",
			Help: "Provider adapter failures by class (transient or terminal).",
		}, []string{"provider", "class"})

	Rollbacks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "subdomaind_rollbacks_total",
			Help: "Rollbacks performed after terminal failures.",
		}, []string{"result"})

	Renewals = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "subdomaind_renewals_total",
			Help: "Certificate renewal attempts by result.",
		}, []string{"result"})

	VerificationPolls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "subdomaind_verification_polls_total",
			Help: "Verifier checks by kind and result.",
		}, []string{"kind", "result"})

	RecordsByStatus = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "subdomaind_records",
			Help: "Subdomain records per status, refreshed on every renewal scan.",
		}, []string{"status"})
)

func init() {
	prometheus.MustRegister(
		Transitions,
		ProviderErrors,
		Rollbacks,
		Renewals,
		VerificationPolls,
		RecordsByStatus,
	)
}
