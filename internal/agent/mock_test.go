package agent

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/x0tta6bl4-ai/mesh-identity/internal/svid"
	"github.com/x0tta6bl4-ai/mesh-identity/pkg/config"
)

func TestMockAgentProcess_SocketLifecycle(t *testing.T) {
	socket := filepath.Join(t.TempDir(), "agent", "api.sock")
	mock := NewMockAgentProcess(socket, slog.New(slog.NewTextHandler(io.Discard, nil)))
	ctx := context.Background()

	assert.False(t, mock.Alive())
	assert.False(t, mock.Healthy(ctx))

	require.NoError(t, mock.Start(ctx))
	assert.True(t, mock.Alive())
	assert.True(t, mock.Healthy(ctx))
	_, err := os.Stat(socket)
	assert.NoError(t, err)

	require.NoError(t, mock.Stop(ctx))
	assert.False(t, mock.Alive())
	_, err = os.Stat(socket)
	assert.True(t, os.IsNotExist(err))

	// Stop twice is fine.
	require.NoError(t, mock.Stop(ctx))
}

func TestMockAgentProcess_StartSurvivesUnwritablePath(t *testing.T) {
	// Root of the filesystem is not writable in any sane test
	// environment; the mock must still report success.
	mock := NewMockAgentProcess("/proc/mesh-test/api.sock",
		slog.New(slog.NewTextHandler(io.Discard, nil)))
	assert.NoError(t, mock.Start(context.Background()))
	assert.True(t, mock.Alive())
}

func TestMockAgentProcess_RegistrationAlwaysSucceeds(t *testing.T) {
	mock := NewMockAgentProcess(filepath.Join(t.TempDir(), "api.sock"), nil)
	ok := mock.RegisterWorkload(context.Background(), svid.WorkloadEntry{
		SPIFFEID: "spiffe://x0tta6bl4.mesh/workload/anything",
	})
	assert.True(t, ok)
}

func TestNewAgentProcess_ModeSelection(t *testing.T) {
	socket := filepath.Join(t.TempDir(), "api.sock")

	t.Run("forced mock wins", func(t *testing.T) {
		fakeBinary := filepath.Join(t.TempDir(), "spire-agent")
		require.NoError(t, os.WriteFile(fakeBinary, []byte("#!/bin/sh\n"), 0o755))

		process := NewAgentProcess(config.AgentConfig{
			ForceMock:  true,
			BinaryPath: fakeBinary,
			SocketPath: socket,
		}, "x0tta6bl4.mesh", nil)
		assert.Equal(t, ModeMock, process.Mode())
	})

	t.Run("env override beats configured path", func(t *testing.T) {
		fakeBinary := filepath.Join(t.TempDir(), "agent-override")
		require.NoError(t, os.WriteFile(fakeBinary, []byte("#!/bin/sh\n"), 0o755))
		t.Setenv(EnvAgentBinary, fakeBinary)

		process := NewAgentProcess(config.AgentConfig{
			BinaryPath: "/nonexistent/spire-agent",
			SocketPath: socket,
		}, "x0tta6bl4.mesh", nil)
		assert.Equal(t, ModeReal, process.Mode())
	})

	t.Run("missing binary falls back to mock", func(t *testing.T) {
		t.Setenv(EnvAgentBinary, "")

		process := NewAgentProcess(config.AgentConfig{
			BinaryPath: "/nonexistent/spire-agent",
			SocketPath: socket,
		}, "x0tta6bl4.mesh", nil)
		assert.Equal(t, ModeMock, process.Mode())
	})
}
