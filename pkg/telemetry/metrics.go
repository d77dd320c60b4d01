package telemetry

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the identity control plane.
type Metrics struct {
	// Validation metrics
	validationsTotal *prometheus.CounterVec

	// Revocation metrics
	revocationLookups *prometheus.CounterVec

	// Identity lifecycle metrics
	renewalsTotal    *prometheus.CounterVec
	identityExpiry   prometheus.Gauge
	trustBundleDrift prometheus.Counter

	// Agent process metrics
	agentStatus   *prometheus.GaugeVec
	agentRestarts prometheus.Counter

	// Autonomic loop metrics
	cyclesTotal *prometheus.CounterVec
	alertsTotal *prometheus.CounterVec

	// Batch deployment metrics
	deploymentsTotal *prometheus.CounterVec

	registry *prometheus.Registry
}

// NewMetrics creates a new metrics instance with all control plane metrics.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		validationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "meshident_validations_total",
				Help: "Total certificate validations by outcome and rejection reason",
			},
			[]string{"outcome", "reason"},
		),

		revocationLookups: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "meshident_revocation_cache_lookups_total",
				Help: "Revocation cache lookups by source and hit/miss",
			},
			[]string{"source", "hit"},
		),

		renewalsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "meshident_renewals_total",
				Help: "Identity renewals by trigger and outcome",
			},
			[]string{"trigger", "outcome"},
		),

		identityExpiry: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "meshident_identity_expiry_seconds",
				Help: "Seconds until the current identity expires",
			},
		),

		trustBundleDrift: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "meshident_trust_bundle_changes_total",
				Help: "Observed trust bundle version changes",
			},
		),

		agentStatus: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "meshident_agent_up",
				Help: "Attestation agent process status (1 = running) by mode",
			},
			[]string{"mode"},
		),

		agentRestarts: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "meshident_agent_restarts_total",
				Help: "Attestation agent restart count",
			},
		),

		cyclesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "meshident_autonomic_cycles_total",
				Help: "Autonomic loop cycles by outcome",
			},
			[]string{"outcome"},
		),

		alertsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "meshident_alerts_total",
				Help: "Identity anomaly alerts by type and severity",
			},
			[]string{"type", "severity"},
		),

		deploymentsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "meshident_deployments_total",
				Help: "Batch node deployments by outcome",
			},
			[]string{"outcome"},
		),

		registry: registry,
	}

	registry.MustRegister(
		m.validationsTotal,
		m.revocationLookups,
		m.renewalsTotal,
		m.identityExpiry,
		m.trustBundleDrift,
		m.agentStatus,
		m.agentRestarts,
		m.cyclesTotal,
		m.alertsTotal,
		m.deploymentsTotal,
	)

	return m
}

// RecordValidation records a certificate validation outcome. The reason is
// empty for accepted certificates.
func (m *Metrics) RecordValidation(valid bool, reason string) {
	outcome := "accepted"
	if !valid {
		outcome = "rejected"
	}
	m.validationsTotal.WithLabelValues(outcome, reason).Inc()
}

// RecordRevocationCacheLookup records a cache lookup against the named
// source ("ocsp", "crl", or "any" for a full miss).
func (m *Metrics) RecordRevocationCacheLookup(source string, hit bool) {
	m.revocationLookups.WithLabelValues(source, strconv.FormatBool(hit)).Inc()
}

// RecordRenewal records an identity renewal attempt.
func (m *Metrics) RecordRenewal(trigger string, success bool) {
	outcome := "success"
	if !success {
		outcome = "failure"
	}
	m.renewalsTotal.WithLabelValues(trigger, outcome).Inc()
}

// SetIdentityExpiry publishes the seconds remaining on the current identity.
func (m *Metrics) SetIdentityExpiry(seconds float64) {
	m.identityExpiry.Set(seconds)
}

// RecordTrustBundleChange counts a trust bundle version change.
func (m *Metrics) RecordTrustBundleChange() {
	m.trustBundleDrift.Inc()
}

// UpdateAgentStatus publishes the agent process state for the given mode.
func (m *Metrics) UpdateAgentStatus(mode string, running bool) {
	value := 0.0
	if running {
		value = 1.0
	}
	m.agentStatus.WithLabelValues(mode).Set(value)
}

// RecordAgentRestart counts an agent restart.
func (m *Metrics) RecordAgentRestart() {
	m.agentRestarts.Inc()
}

// RecordCycle records an autonomic loop cycle outcome.
func (m *Metrics) RecordCycle(outcome string) {
	m.cyclesTotal.WithLabelValues(outcome).Inc()
}

// RecordAlert counts an identity anomaly alert.
func (m *Metrics) RecordAlert(anomalyType, severity string) {
	m.alertsTotal.WithLabelValues(anomalyType, severity).Inc()
}

// RecordDeployment counts a batch deployment result for one node.
func (m *Metrics) RecordDeployment(success bool) {
	outcome := "deployed"
	if !success {
		outcome = "failed"
	}
	m.deploymentsTotal.WithLabelValues(outcome).Inc()
}

// Handler returns an HTTP handler exposing the metrics registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
