package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spiffe/go-spiffe/v2/spiffeid"
	"gopkg.in/yaml.v3"

	"github.com/x0tta6bl4-ai/mesh-identity/internal/agent"
	"github.com/x0tta6bl4-ai/mesh-identity/internal/controller"
	"github.com/x0tta6bl4-ai/mesh-identity/internal/deploy"
	"github.com/x0tta6bl4-ai/mesh-identity/internal/mtls"
	"github.com/x0tta6bl4-ai/mesh-identity/internal/svid"
	"github.com/x0tta6bl4-ai/mesh-identity/pkg/workloadapi"
)

// nodesFile is the YAML document the deploy subcommand consumes.
type nodesFile struct {
	Nodes []deploy.Node `yaml:"nodes"`
}

func newDeployCmd() *cobra.Command {
	deployCmd := &cobra.Command{
		Use:   "deploy <nodes.yaml>",
		Short: "Deploy workload identities to a batch of mesh nodes",
		Args:  cobra.ExactArgs(1),
		RunE:  runDeploy,
	}
	deployCmd.Flags().String("join-token", "", "Join token for node attestation (or MESH_JOIN_TOKEN)")
	return deployCmd
}

func runDeploy(cmd *cobra.Command, args []string) error {
	cfg, log, err := loadConfigAndLogger(cmd)
	if err != nil {
		return err
	}

	data, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("read nodes file: %w", err)
	}
	var file nodesFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("parse nodes file: %w", err)
	}
	if len(file.Nodes) == 0 {
		return fmt.Errorf("nodes file %s lists no nodes", args[0])
	}

	joinToken, _ := cmd.Flags().GetString("join-token")
	if joinToken == "" {
		joinToken = os.Getenv("MESH_JOIN_TOKEN")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	td, err := spiffeid.TrustDomainFromString(cfg.TrustDomain)
	if err != nil {
		return fmt.Errorf("invalid trust domain %q: %w", cfg.TrustDomain, err)
	}

	validator, err := svid.NewValidator(cfg.TrustDomain, cfg.Validation, nil, log, nil)
	if err != nil {
		return fmt.Errorf("build validator: %w", err)
	}
	builder := mtls.NewContextBuilder(td, cfg.Validation, log)
	process := agent.NewAgentProcess(cfg.Agent, cfg.TrustDomain, log)
	manager := agent.NewManager(process, log, nil)

	var client workloadapi.Client
	if process.Mode() == agent.ModeMock {
		client = workloadapi.NewFakeClient(td, "/workload/meshident",
			cfg.TrustBundle.Path, time.Hour)
	} else {
		client, err = workloadapi.NewSPIFFEClient(ctx, cfg.Agent.SocketPath,
			cfg.TrustBundle.Path, td, log)
		if err != nil {
			return fmt.Errorf("dial workload api: %w", err)
		}
	}

	ctrl := controller.New(manager, client, validator, builder, cfg.Renewal, log, nil)
	if !ctrl.Initialize(ctx, svid.AttestJoinToken, map[string]string{"join_token": joinToken}) {
		return fmt.Errorf("control plane initialization failed")
	}
	defer ctrl.Shutdown(context.Background())

	deployer := deploy.NewDeployer(ctrl, cfg.Deploy, log, nil)
	summary := deployer.Deploy(ctx, file.Nodes)

	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(summary); err != nil {
		return err
	}
	if summary.Failed > 0 {
		return fmt.Errorf("%d of %d nodes failed", summary.Failed, len(file.Nodes))
	}
	return nil
}
