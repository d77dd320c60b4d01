package agent

import (
	"log/slog"
	"os"
	"os/exec"

	"github.com/x0tta6bl4-ai/mesh-identity/pkg/config"
)

// EnvAgentBinary overrides agent binary resolution; it wins over both
// the configured path and PATH lookup.
const EnvAgentBinary = "MESH_AGENT_BINARY"

const defaultAgentBinary = "spire-agent"

// NewAgentProcess picks the strategy once: real when an agent binary
// is resolvable and mock mode is not forced, mock otherwise.
func NewAgentProcess(cfg config.AgentConfig, trustDomain string, log *slog.Logger) AgentProcess {
	if log == nil {
		log = slog.Default()
	}
	if cfg.ForceMock {
		log.Info("agent mock mode forced by configuration")
		return NewMockAgentProcess(cfg.SocketPath, log)
	}

	binary := resolveBinary(cfg.BinaryPath)
	if binary == "" {
		log.Info("no agent binary resolvable, falling back to mock mode")
		return NewMockAgentProcess(cfg.SocketPath, log)
	}

	log.Info("agent real mode selected", "binary", binary)
	return NewRealAgentProcess(binary, cfg, trustDomain, log)
}

func resolveBinary(configured string) string {
	if override := os.Getenv(EnvAgentBinary); override != "" {
		if _, err := os.Stat(override); err == nil {
			return override
		}
		return ""
	}
	if configured != "" {
		if _, err := os.Stat(configured); err == nil {
			return configured
		}
		return ""
	}
	if path, err := exec.LookPath(defaultAgentBinary); err == nil {
		return path
	}
	return ""
}
