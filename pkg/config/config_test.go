package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	assert.Equal(t, "x0tta6bl4.mesh", cfg.TrustDomain)
	assert.Equal(t, time.Hour, cfg.Validation.MaxCertAge)
	assert.Equal(t, time.Hour, cfg.Revocation.OCSPCacheTTL)
	assert.Equal(t, 6*time.Hour, cfg.Revocation.CRLCacheTTL)
	assert.False(t, cfg.Revocation.FailOpen)
	assert.Equal(t, 0.5, cfg.Renewal.Threshold)
	assert.Equal(t, 5, cfg.Deploy.MaxConcurrent)
	assert.NoError(t, cfg.Validate())
}

func TestLoad_FileAndEnvOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
trust_domain: staging.mesh
validation:
  max_cert_age: 30m
renewal:
  threshold: 0.7
logging:
  level: debug
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	t.Setenv("MESH_TRUST_DOMAIN", "prod.mesh")

	cfg, err := Load(path)
	require.NoError(t, err)
	// Env override wins over the file.
	assert.Equal(t, "prod.mesh", cfg.TrustDomain)
	assert.Equal(t, 30*time.Minute, cfg.Validation.MaxCertAge)
	assert.Equal(t, 0.7, cfg.Renewal.Threshold)
	assert.Equal(t, "debug", cfg.Logging.Level)
	// Untouched values keep their defaults.
	assert.Equal(t, 6*time.Hour, cfg.Revocation.CRLCacheTTL)
}

func TestLoad_EmptyPathAppliesEnvOverrides(t *testing.T) {
	t.Setenv("MESH_TRUST_DOMAIN", "prod.mesh")
	t.Setenv("MESH_AGENT_MOCK", "true")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "prod.mesh", cfg.TrustDomain)
	assert.True(t, cfg.Agent.ForceMock)
	assert.Equal(t, 0.5, cfg.Renewal.Threshold)
}

func TestLoad_RejectsInvalidConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("renewal:\n  threshold: 1.5\n"), 0o600))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}
