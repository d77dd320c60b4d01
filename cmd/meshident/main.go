// Package main is the entry point for the meshident binary: the mesh
// identity control plane daemon plus its operator subcommands.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "meshident",
		Short: "SPIFFE identity control plane for the x0tta6bl4 mesh",
		Long: `meshident supervises the attestation agent, owns the workload's
X.509 SVID and its renewal policy, and runs the autonomic loop that
detects and remediates identity anomalies.

Example:
  meshident run --config /etc/meshident/config.yaml --join-token $TOKEN`,
	}

	rootCmd.PersistentFlags().StringP("config", "c", "", "Path to configuration file (YAML)")
	rootCmd.PersistentFlags().StringP("log-level", "l", "info", "Log level (debug, info, warn, error)")

	rootCmd.AddCommand(newRunCmd())
	rootCmd.AddCommand(newDeployCmd())
	rootCmd.AddCommand(newInspectCmd())
	return rootCmd
}
