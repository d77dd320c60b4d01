// Package telemetry provides Prometheus metrics and OpenTelemetry tracing
// for the identity control plane: validation outcomes, revocation cache
// behaviour, renewal activity, agent process health, and autonomic loop
// cycle counters.
package telemetry
