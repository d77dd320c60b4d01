package agent

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/x0tta6bl4-ai/mesh-identity/internal/svid"
)

// MockAgentProcess fakes the agent with a placeholder socket file. It
// exists so dev and test flows work without an agent binary; it is
// deliberately permissive about filesystem failures.
type MockAgentProcess struct {
	socketPath string
	log        *slog.Logger
	joinToken  string
	running    bool
}

// NewMockAgentProcess creates the mock strategy.
func NewMockAgentProcess(socketPath string, log *slog.Logger) *MockAgentProcess {
	if log == nil {
		log = slog.Default()
	}
	return &MockAgentProcess{socketPath: socketPath, log: log}
}

// Start creates the placeholder socket file. Permission problems are
// logged and swallowed so local flows keep working.
func (m *MockAgentProcess) Start(_ context.Context) error {
	if err := os.MkdirAll(filepath.Dir(m.socketPath), 0o755); err != nil {
		m.log.Warn("mock agent could not create socket directory", "path", m.socketPath, "error", err)
	} else if err := os.WriteFile(m.socketPath, []byte("mock"), 0o600); err != nil {
		m.log.Warn("mock agent could not create socket placeholder", "path", m.socketPath, "error", err)
	}
	m.running = true
	m.log.Info("mock agent started", "socket", m.socketPath)
	return nil
}

// Stop removes the placeholder. Idempotent.
func (m *MockAgentProcess) Stop(_ context.Context) error {
	if !m.running {
		return nil
	}
	if err := os.Remove(m.socketPath); err != nil && !os.IsNotExist(err) {
		m.log.Warn("mock agent could not remove socket placeholder", "path", m.socketPath, "error", err)
	}
	m.running = false
	m.log.Info("mock agent stopped")
	return nil
}

// Alive reports whether Start has been called without a matching Stop.
func (m *MockAgentProcess) Alive() bool { return m.running }

// SocketPath returns the placeholder location.
func (m *MockAgentProcess) SocketPath() string { return m.socketPath }

// SetJoinToken records the token; the mock only stores it.
func (m *MockAgentProcess) SetJoinToken(token string) { m.joinToken = token }

// Mode reports the mock strategy.
func (m *MockAgentProcess) Mode() Mode { return ModeMock }

// RegisterWorkload always succeeds in mock mode.
func (m *MockAgentProcess) RegisterWorkload(_ context.Context, entry svid.WorkloadEntry) bool {
	m.log.Info("mock workload registered", "spiffe_id", entry.SPIFFEID)
	return true
}

// Healthy requires only the socket placeholder to exist.
func (m *MockAgentProcess) Healthy(_ context.Context) bool {
	_, err := os.Stat(m.socketPath)
	return err == nil
}
