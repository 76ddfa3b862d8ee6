// Elexd runs the intelligence layer of one edge agent.
//
// The agent learns action values from query feedback, shares them with
// peers over NATS and serves diagnostics over HTTP.
//
// Usage:
//
//	# Start an agent with ~/.config/elexd/config.yaml
//	elexd run
//
//	# Override settings from the environment
//	ELEXD_AGENT_ID=edge-01 ELEXD_SYNC_ENABLED=true elexd run
//
//	# Check a config file
//	elexd config validate ./config.yaml
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

// configPath is the --config flag shared by every command.
var configPath string

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "elexd",
		Short: "Edge agent intelligence layer",
		Long: `elexd runs the learning layer of an edge agent: Q-learning over query
feedback, a pattern store of successful answers, anomaly detection and
gossip-based knowledge sharing with peer agents.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file (default ~/.config/elexd/config.yaml)")

	root.AddCommand(newRunCmd())
	root.AddCommand(newVersionCmd())
	root.AddCommand(newConfigCmd())
	root.AddCommand(newStatusCmd())
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "elexd by Fyrsmith Labs\n")
			fmt.Fprintf(out, "Version:    %s\n", version)
			fmt.Fprintf(out, "Commit:     %s\n", gitCommit)
			fmt.Fprintf(out, "Build Date: %s\n", buildDate)
		},
	}
}
