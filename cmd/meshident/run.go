package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spiffe/go-spiffe/v2/spiffeid"

	"github.com/x0tta6bl4-ai/mesh-identity/internal/admin"
	"github.com/x0tta6bl4-ai/mesh-identity/internal/agent"
	"github.com/x0tta6bl4-ai/mesh-identity/internal/autonomic"
	"github.com/x0tta6bl4-ai/mesh-identity/internal/controller"
	"github.com/x0tta6bl4-ai/mesh-identity/internal/mtls"
	"github.com/x0tta6bl4-ai/mesh-identity/internal/notify"
	"github.com/x0tta6bl4-ai/mesh-identity/internal/svid"
	"github.com/x0tta6bl4-ai/mesh-identity/pkg/config"
	"github.com/x0tta6bl4-ai/mesh-identity/pkg/logging"
	"github.com/x0tta6bl4-ai/mesh-identity/pkg/telemetry"
	"github.com/x0tta6bl4-ai/mesh-identity/pkg/workloadapi"
)

func newRunCmd() *cobra.Command {
	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run the identity control plane daemon",
		RunE:  runDaemon,
	}
	runCmd.Flags().String("join-token", "", "Join token for node attestation (or MESH_JOIN_TOKEN)")
	runCmd.Flags().Bool("mock-agent", false, "Force the mock agent strategy")
	return runCmd
}

func runDaemon(cmd *cobra.Command, _ []string) error {
	cfg, log, err := loadConfigAndLogger(cmd)
	if err != nil {
		return err
	}

	joinToken, _ := cmd.Flags().GetString("join-token")
	if joinToken == "" {
		joinToken = os.Getenv("MESH_JOIN_TOKEN")
	}
	if mock, _ := cmd.Flags().GetBool("mock-agent"); mock {
		cfg.Agent.ForceMock = true
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.SetupProvider(ctx, telemetry.TraceConfig{
		ServiceName: "meshident",
		Endpoint:    cfg.Telemetry.OTLPEndpoint,
		Insecure:    cfg.Telemetry.Insecure,
	})
	if err != nil {
		log.Warn("tracing disabled", "error", err)
	} else {
		defer func() {
			flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			shutdownTracing(flushCtx)
		}()
	}

	metrics := telemetry.NewMetrics()

	ctrl, loop, err := buildControlPlane(ctx, cfg, joinToken, log, metrics)
	if err != nil {
		return err
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := ctrl.Shutdown(stopCtx); err != nil {
			log.Error("controller shutdown failed", "error", err)
		}
	}()

	adminServer := admin.NewServer(cfg.Telemetry.AdminAddress, ctrl, loop, metrics, log)
	adminServer.Start()
	defer func() {
		drainCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		adminServer.Shutdown(drainCtx)
	}()

	// The watcher invalidates the cached bundle on file changes so the
	// renewal loop's Monitor phase observes version drift.
	if cfg.TrustBundle.Path != "" {
		bundleWatcher, err := config.NewBundleWatcher(&cfg.TrustBundle, log)
		if err != nil {
			log.Warn("trust bundle watcher disabled", "error", err)
		} else {
			defer bundleWatcher.Close()
		}
	}

	go loop.RunContinuous(ctx)

	log.Info("meshident running",
		"trust_domain", cfg.TrustDomain,
		"admin", cfg.Telemetry.AdminAddress)
	<-ctx.Done()
	log.Info("shutdown signal received")
	return nil
}

// buildControlPlane wires the controller and autonomic loop from
// configuration and runs the initialization chain.
func buildControlPlane(ctx context.Context, cfg *config.Config, joinToken string, log *slog.Logger, metrics *telemetry.Metrics) (*controller.Controller, *autonomic.Loop, error) {
	td, err := spiffeid.TrustDomainFromString(cfg.TrustDomain)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid trust domain %q: %w", cfg.TrustDomain, err)
	}

	revocation := svid.NewRevocationChecker(cfg.Revocation, log, metrics)
	validator, err := svid.NewValidator(cfg.TrustDomain, cfg.Validation, revocation, log, metrics)
	if err != nil {
		return nil, nil, fmt.Errorf("build validator: %w", err)
	}
	builder := mtls.NewContextBuilder(td, cfg.Validation, log)

	process := agent.NewAgentProcess(cfg.Agent, cfg.TrustDomain, log)
	manager := agent.NewManager(process, log, metrics)

	var client workloadapi.Client
	if process.Mode() == agent.ModeMock {
		client = workloadapi.NewFakeClient(td, "/workload/meshident",
			cfg.TrustBundle.Path, cfg.Renewal.BaselineTTL)
	} else {
		client, err = workloadapi.NewSPIFFEClient(ctx, cfg.Agent.SocketPath,
			cfg.TrustBundle.Path, td, log)
		if err != nil {
			return nil, nil, fmt.Errorf("dial workload api: %w", err)
		}
	}

	ctrl := controller.New(manager, client, validator, builder, cfg.Renewal, log, metrics)

	attestParams := map[string]string{"join_token": joinToken}
	if !ctrl.Initialize(ctx, svid.AttestJoinToken, attestParams) {
		return nil, nil, fmt.Errorf("control plane initialization failed")
	}

	sink := notify.NewWebhookSink(cfg.Notify, log)
	loop := autonomic.NewLoop(ctrl, &cfg.TrustBundle, sink, cfg.Renewal, attestParams, log, metrics)
	return ctrl, loop, nil
}

func loadConfigAndLogger(cmd *cobra.Command) (*config.Config, *slog.Logger, error) {
	configPath, _ := cmd.Flags().GetString("config")

	// Load handles an empty path: defaults plus environment overrides.
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}

	if level, _ := cmd.Flags().GetString("log-level"); level != "" {
		cfg.Logging.Level = level
	}
	log := logging.NewLogger(logging.Config{
		Level:  cfg.Logging.Level,
		Pretty: cfg.Logging.Pretty,
	})
	slog.SetDefault(log)
	return cfg, log, nil
}
