package agent

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/x0tta6bl4-ai/mesh-identity/internal/svid"
	"github.com/x0tta6bl4-ai/mesh-identity/pkg/telemetry"
)

// Manager drives the agent lifecycle state machine over a fixed
// process strategy. All public methods are safe for concurrent use.
type Manager struct {
	process AgentProcess
	log     *slog.Logger
	metrics *telemetry.Metrics

	mu        sync.Mutex
	state     State
	joinToken string
}

// NewManager wraps a process strategy. Metrics may be nil.
func NewManager(process AgentProcess, log *slog.Logger, metrics *telemetry.Metrics) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		process: process,
		log:     log,
		metrics: metrics,
		state:   StateStopped,
	}
}

// State returns the current lifecycle phase.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Mode reports the strategy in use.
func (m *Manager) Mode() Mode { return m.process.Mode() }

// SocketPath returns the Workload API endpoint.
func (m *Manager) SocketPath() string { return m.process.SocketPath() }

// Start transitions STOPPED → STARTING → RUNNING. Starting an
// already-running manager is an error; a failed start lands back in
// STOPPED with no subprocess left behind.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != StateStopped {
		return fmt.Errorf("cannot start agent in state %s", m.state)
	}
	m.state = StateStarting

	if m.joinToken != "" {
		m.process.SetJoinToken(m.joinToken)
	}

	if err := m.process.Start(ctx); err != nil {
		m.state = StateStopped
		m.updateAgentMetric(false)
		return fmt.Errorf("agent start failed: %w", err)
	}

	m.state = StateRunning
	m.updateAgentMetric(true)
	m.log.Info("agent running", "mode", m.process.Mode(), "socket", m.process.SocketPath())
	return nil
}

// Stop transitions RUNNING → STOPPING → STOPPED. Stopping a stopped
// manager is a no-op success.
func (m *Manager) Stop(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stopLocked(ctx)
}

func (m *Manager) stopLocked(ctx context.Context) error {
	if m.state == StateStopped {
		return nil
	}
	m.state = StateStopping

	err := m.process.Stop(ctx)
	m.state = StateStopped
	m.updateAgentMetric(false)
	if err != nil {
		return fmt.Errorf("agent stop failed: %w", err)
	}
	return nil
}

// AttestNode applies a node attestation strategy. Only join-token
// attestation is implemented; the token is start-time configuration,
// so a running agent is restarted to pick it up and a stopped agent
// just records it for the next start.
func (m *Manager) AttestNode(ctx context.Context, strategy svid.AttestationStrategy, params map[string]string) error {
	if strategy != svid.AttestJoinToken {
		return svid.NewNotImplemented(fmt.Sprintf("attestation strategy %s", strategy))
	}
	token, ok := params["join_token"]
	if !ok || token == "" {
		return svid.NewContractViolation("join-token attestation requires a join_token parameter")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.joinToken = token
	m.process.SetJoinToken(token)

	if m.state != StateRunning {
		m.log.Info("join token recorded for next agent start")
		return nil
	}

	m.log.Info("restarting agent to apply new join token")
	if err := m.stopLocked(ctx); err != nil {
		return err
	}
	m.state = StateStarting
	if err := m.process.Start(ctx); err != nil {
		m.state = StateStopped
		m.updateAgentMetric(false)
		return fmt.Errorf("agent restart after attestation failed: %w", err)
	}
	m.state = StateRunning
	m.updateAgentMetric(true)
	if m.metrics != nil {
		m.metrics.RecordAgentRestart()
	}
	return nil
}

// RegisterWorkload submits an entry to the backend. Backend failures
// come back as false, never a panic or an error.
func (m *Manager) RegisterWorkload(ctx context.Context, entry svid.WorkloadEntry) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.process.RegisterWorkload(ctx, entry)
}

// HealthCheck runs the strategy's probe. A manager that is not in
// RUNNING state is unhealthy by definition. The lock is held across
// the probe: AgentProcess implementations are not safe for concurrent
// use, and a probe must not observe a Stop in progress.
func (m *Manager) HealthCheck(ctx context.Context) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != StateRunning {
		return false
	}
	return m.process.Healthy(ctx)
}

func (m *Manager) updateAgentMetric(up bool) {
	if m.metrics != nil {
		m.metrics.UpdateAgentStatus(string(m.process.Mode()), up)
	}
}
