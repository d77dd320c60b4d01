// Package config provides configuration structures and loading logic for the
// mesh identity control plane.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the global configuration for the identity control plane.
type Config struct {
	TrustDomain string `yaml:"trust_domain"`

	Agent      AgentConfig      `yaml:"agent"`
	Validation ValidationConfig `yaml:"validation"`
	Revocation RevocationConfig `yaml:"revocation"`
	Renewal    RenewalConfig    `yaml:"renewal"`
	Deploy     DeployConfig     `yaml:"deploy"`
	Telemetry  TelemetryConfig  `yaml:"telemetry"`
	Notify     NotifyConfig     `yaml:"notify"`
	Logging    LoggingConfig    `yaml:"logging"`

	TrustBundle TrustBundle `yaml:"trust_bundle"`
}

// AgentConfig holds configuration for the attestation agent supervisor.
type AgentConfig struct {
	BinaryPath   string        `yaml:"binary_path"`
	ConfigPath   string        `yaml:"config_path"`
	SocketPath   string        `yaml:"socket_path"`
	ServerAddr   string        `yaml:"server_addr"`
	ForceMock    bool          `yaml:"force_mock"`
	StartTimeout time.Duration `yaml:"start_timeout"`
	StopTimeout  time.Duration `yaml:"stop_timeout"`
}

// ValidationConfig holds knobs for the certificate validator.
type ValidationConfig struct {
	MaxCertAge      time.Duration `yaml:"max_cert_age"`
	PinningEnabled  bool          `yaml:"pinning_enabled"`
	ExpiryWarning   time.Duration `yaml:"expiry_warning"`
	EnforceTLS13    bool          `yaml:"enforce_tls13"`
	RevocationCheck bool          `yaml:"revocation_check"`
}

// RevocationConfig holds revocation checking policy and cache TTLs.
type RevocationConfig struct {
	OCSPCacheTTL time.Duration `yaml:"ocsp_cache_ttl"`
	CRLCacheTTL  time.Duration `yaml:"crl_cache_ttl"`
	// FailOpen treats unreachable OCSP/CRL infrastructure as "not revoked".
	// The safe default is false: unknown status rejects the certificate.
	FailOpen bool          `yaml:"fail_open"`
	Timeout  time.Duration `yaml:"timeout"`
}

// RenewalConfig drives the controller renewal policy and the autonomic loop.
type RenewalConfig struct {
	// Threshold is the remaining-TTL fraction below which renewal is due.
	Threshold     float64       `yaml:"threshold"`
	CheckInterval time.Duration `yaml:"check_interval"`
	BaselineTTL   time.Duration `yaml:"baseline_ttl"`
}

// DeployConfig bounds batch identity deployment concurrency.
type DeployConfig struct {
	MaxConcurrent int           `yaml:"max_concurrent"`
	NodeTimeout   time.Duration `yaml:"node_timeout"`
}

// TelemetryConfig holds configuration for metrics and tracing.
type TelemetryConfig struct {
	AdminAddress string `yaml:"admin_address"`
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	Insecure     bool   `yaml:"insecure"`
}

// NotifyConfig configures the outbound webhook notification sink.
type NotifyConfig struct {
	WebhookURL string        `yaml:"webhook_url"`
	Timeout    time.Duration `yaml:"timeout"`
}

// LoggingConfig holds configuration for logging.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Pretty bool   `yaml:"pretty"`
}

// Load reads configuration from a file and applies environment variable overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		//nolint:gosec // Config file path is controlled by the operator
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// Default returns a configuration populated with production defaults.
func Default() *Config {
	return &Config{
		TrustDomain: "x0tta6bl4.mesh",
		Agent: AgentConfig{
			SocketPath:   "/tmp/spire-agent/public/api.sock",
			ServerAddr:   "localhost:8081",
			StartTimeout: 10 * time.Second,
			StopTimeout:  10 * time.Second,
		},
		Validation: ValidationConfig{
			MaxCertAge:    time.Hour,
			ExpiryWarning: 10 * time.Minute,
			EnforceTLS13:  true,
		},
		Revocation: RevocationConfig{
			OCSPCacheTTL: time.Hour,
			CRLCacheTTL:  6 * time.Hour,
			Timeout:      5 * time.Second,
		},
		Renewal: RenewalConfig{
			Threshold:     0.5,
			CheckInterval: 30 * time.Second,
			BaselineTTL:   time.Hour,
		},
		Deploy: DeployConfig{
			MaxConcurrent: 5,
			NodeTimeout:   30 * time.Second,
		},
		Telemetry: TelemetryConfig{
			AdminAddress: ":19090",
		},
		Notify: NotifyConfig{
			Timeout: 5 * time.Second,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

func applyEnvOverrides(cfg *Config) {
	if val := os.Getenv("MESH_TRUST_DOMAIN"); val != "" {
		cfg.TrustDomain = val
	}
	if val := os.Getenv("MESH_AGENT_BINARY"); val != "" {
		cfg.Agent.BinaryPath = val
	}
	if val := os.Getenv("MESH_AGENT_SOCKET"); val != "" {
		cfg.Agent.SocketPath = val
	}
	if val := os.Getenv("MESH_AGENT_MOCK"); val == "true" {
		cfg.Agent.ForceMock = true
	}
	if val := os.Getenv("MESH_ADMIN_ADDR"); val != "" {
		cfg.Telemetry.AdminAddress = val
	}
	if val := os.Getenv("MESH_OTLP_ENDPOINT"); val != "" {
		cfg.Telemetry.OTLPEndpoint = val
	}
	if val := os.Getenv("MESH_OTLP_INSECURE"); val == "true" {
		cfg.Telemetry.Insecure = true
	}
	if val := os.Getenv("MESH_WEBHOOK_URL"); val != "" {
		cfg.Notify.WebhookURL = val
	}
	if val := os.Getenv("MESH_LOG_LEVEL"); val != "" {
		cfg.Logging.Level = val
	}
	if val := os.Getenv("MESH_REVOCATION_FAIL_OPEN"); val == "true" {
		cfg.Revocation.FailOpen = true
	}
	if val := os.Getenv("MESH_RENEWAL_THRESHOLD"); val != "" {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			cfg.Renewal.Threshold = f
		}
	}
}

// Validate checks the configuration for inconsistent or dangerous values.
func (c *Config) Validate() error {
	if c.TrustDomain == "" {
		return fmt.Errorf("trust_domain must not be empty")
	}
	if c.Renewal.Threshold <= 0 || c.Renewal.Threshold > 1 {
		return fmt.Errorf("renewal.threshold must be in (0, 1], got %v", c.Renewal.Threshold)
	}
	if c.Validation.MaxCertAge <= 0 {
		return fmt.Errorf("validation.max_cert_age must be positive")
	}
	if c.Deploy.MaxConcurrent <= 0 {
		return fmt.Errorf("deploy.max_concurrent must be positive, got %d", c.Deploy.MaxConcurrent)
	}
	if c.Revocation.OCSPCacheTTL <= 0 || c.Revocation.CRLCacheTTL <= 0 {
		return fmt.Errorf("revocation cache TTLs must be positive")
	}
	return nil
}
