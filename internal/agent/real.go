package agent

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/x0tta6bl4-ai/mesh-identity/internal/svid"
	"github.com/x0tta6bl4-ai/mesh-identity/pkg/config"
)

const (
	socketPollAttempts = 20
	socketPollInterval = 500 * time.Millisecond
	defaultStopTimeout = 10 * time.Second
)

// RealAgentProcess runs the attestation agent as a detached process
// group and talks to the attestation backend through its CLI.
type RealAgentProcess struct {
	binaryPath    string
	backendBinary string
	configPath    string
	socketPath    string
	serverAddr    string
	trustDomain   string
	stopTimeout   time.Duration
	pollAttempts  int
	pollInterval  time.Duration
	log           *slog.Logger

	joinToken      string
	cmd            *exec.Cmd
	done           chan struct{}
	tempConfigPath string
}

// NewRealAgentProcess creates the real strategy around the resolved
// agent binary.
func NewRealAgentProcess(binaryPath string, cfg config.AgentConfig, trustDomain string, log *slog.Logger) *RealAgentProcess {
	if log == nil {
		log = slog.Default()
	}
	stopTimeout := cfg.StopTimeout
	if stopTimeout <= 0 {
		stopTimeout = defaultStopTimeout
	}
	return &RealAgentProcess{
		binaryPath:    binaryPath,
		backendBinary: "spire-server",
		configPath:    cfg.ConfigPath,
		socketPath:    cfg.SocketPath,
		serverAddr:    cfg.ServerAddr,
		trustDomain:   trustDomain,
		stopTimeout:   stopTimeout,
		pollAttempts:  socketPollAttempts,
		pollInterval:  socketPollInterval,
		log:           log,
	}
}

// Start spawns the agent and polls for its Workload API socket. On
// poll timeout the subprocess is stopped before the error returns, so
// a failed start never leaves an orphan behind.
func (r *RealAgentProcess) Start(ctx context.Context) error {
	if r.cmd != nil {
		return fmt.Errorf("agent process is already running")
	}

	configPath := r.configPath
	if configPath == "" {
		generated, err := r.writeGeneratedConfig()
		if err != nil {
			return fmt.Errorf("generate agent config: %w", err)
		}
		configPath = generated
		r.tempConfigPath = generated
	}

	args := []string{"run", "-config", configPath}
	if r.joinToken != "" {
		args = append(args, "-joinToken", r.joinToken)
	}

	cmd := exec.Command(r.binaryPath, args...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Stdout = nil
	cmd.Stderr = nil

	if err := cmd.Start(); err != nil {
		r.cleanupTempConfig()
		return fmt.Errorf("spawn agent: %w", err)
	}
	r.cmd = cmd
	r.done = make(chan struct{})
	go func(done chan struct{}) {
		cmd.Wait()
		close(done)
	}(r.done)

	r.log.Info("agent process spawned",
		"pid", cmd.Process.Pid,
		"binary", r.binaryPath,
		"socket", r.socketPath)

	for attempt := 0; attempt < r.pollAttempts; attempt++ {
		if _, err := os.Stat(r.socketPath); err == nil {
			r.log.Info("agent socket ready", "attempts", attempt+1)
			return nil
		}
		select {
		case <-ctx.Done():
			r.Stop(context.Background())
			return ctx.Err()
		case <-r.done:
			r.teardown()
			return fmt.Errorf("agent exited before its socket appeared")
		case <-time.After(r.pollInterval):
		}
	}

	// No socket within the bounded wait. Clean up the subprocess so
	// the caller is left with nothing dangling.
	r.Stop(context.Background())
	return fmt.Errorf("agent socket %s did not appear within %s",
		r.socketPath, time.Duration(r.pollAttempts)*r.pollInterval)
}

// Stop terminates the whole process group: SIGTERM first, SIGKILL if
// the group does not exit within the stop timeout. Safe to call when
// nothing is running.
func (r *RealAgentProcess) Stop(ctx context.Context) error {
	if r.cmd == nil || r.cmd.Process == nil {
		return nil
	}
	pid := r.cmd.Process.Pid
	r.log.Info("stopping agent process", "pid", pid, "timeout", r.stopTimeout)

	// Negative PID addresses the process group.
	if err := syscall.Kill(-pid, syscall.SIGTERM); err != nil {
		r.log.Warn("failed to send SIGTERM to agent group", "pid", pid, "error", err)
	}

	select {
	case <-r.done:
	case <-ctx.Done():
		syscall.Kill(-pid, syscall.SIGKILL)
		<-r.done
	case <-time.After(r.stopTimeout):
		r.log.Warn("agent did not exit gracefully, escalating to SIGKILL", "pid", pid)
		if err := syscall.Kill(-pid, syscall.SIGKILL); err != nil {
			r.log.Error("failed to kill agent group", "pid", pid, "error", err)
		}
		<-r.done
	}

	r.teardown()
	return nil
}

// Alive reports whether the agent subprocess has not exited yet.
func (r *RealAgentProcess) Alive() bool {
	if r.cmd == nil || r.cmd.Process == nil {
		return false
	}
	select {
	case <-r.done:
		return false
	default:
		return true
	}
}

// SocketPath returns the Workload API socket location.
func (r *RealAgentProcess) SocketPath() string { return r.socketPath }

// SetJoinToken records the token applied on the next Start.
func (r *RealAgentProcess) SetJoinToken(token string) { r.joinToken = token }

// Mode reports the real strategy.
func (r *RealAgentProcess) Mode() Mode { return ModeReal }

// RegisterWorkload shells out to the backend's entry-creation command.
// Any backend failure, including a missing binary, means false.
func (r *RealAgentProcess) RegisterWorkload(ctx context.Context, entry svid.WorkloadEntry) bool {
	args := []string{
		"entry", "create",
		"-spiffeID", entry.SPIFFEID,
		"-parentID", entry.ParentID,
		"-ttl", fmt.Sprintf("%d", entry.TTL),
	}
	for _, selector := range entry.Selectors {
		args = append(args, "-selector", selector)
	}

	cmd := exec.CommandContext(ctx, r.backendBinary, args...)
	if output, err := cmd.CombinedOutput(); err != nil {
		r.log.Warn("workload registration failed",
			"spiffe_id", entry.SPIFFEID,
			"error", err,
			"output", strings.TrimSpace(string(output)))
		return false
	}
	r.log.Info("workload registered", "spiffe_id", entry.SPIFFEID, "parent_id", entry.ParentID)
	return true
}

// Healthy requires a live process, a present socket, and a backend
// that does not explicitly report unhealthy. A health-check command
// that fails to run is inconclusive and does not mark a live,
// socket-present agent as down.
func (r *RealAgentProcess) Healthy(ctx context.Context) bool {
	if !r.Alive() {
		return false
	}
	if _, err := os.Stat(r.socketPath); err != nil {
		return false
	}

	cmd := exec.CommandContext(ctx, r.backendBinary, "healthcheck")
	output, err := cmd.Output()
	if err != nil {
		r.log.Debug("backend health check inconclusive", "error", err)
		return true
	}
	return !strings.Contains(strings.ToLower(string(output)), "unhealthy")
}

func (r *RealAgentProcess) writeGeneratedConfig() (string, error) {
	dir, err := os.MkdirTemp("", "mesh-agent-")
	if err != nil {
		return "", err
	}
	path := filepath.Join(dir, "agent.conf")

	content := fmt.Sprintf(`agent {
    data_dir = %q
    log_level = "INFO"
    server_address = %q
    socket_path = %q
    trust_domain = %q
}
`, dir, r.serverAddr, r.socketPath, r.trustDomain)

	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		os.RemoveAll(dir)
		return "", err
	}
	return path, nil
}

func (r *RealAgentProcess) teardown() {
	r.cmd = nil
	r.done = nil
	r.cleanupTempConfig()
}

func (r *RealAgentProcess) cleanupTempConfig() {
	if r.tempConfigPath == "" {
		return
	}
	if err := os.RemoveAll(filepath.Dir(r.tempConfigPath)); err != nil {
		r.log.Warn("failed to remove generated agent config", "path", r.tempConfigPath, "error", err)
	}
	r.tempConfigPath = ""
}
