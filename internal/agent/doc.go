// Package agent supervises the external attestation agent process. A
// manager owns the STOPPED → STARTING → RUNNING → STOPPING lifecycle
// and delegates process work to one of two strategies: a real detached
// subprocess or a filesystem-socket mock for dev and test flows. The
// strategy is chosen once at construction and fixed for the manager's
// lifetime.
package agent
