// Package main provides the syncd binary entry point.
// Syncd is the workspace synchronization daemon: it serves the secure
// file store, watches the workspace for changes, and hosts collaborative
// editing sessions.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "syncd"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var flags runFlags

	cmd := &cobra.Command{
		Use:   "syncd",
		Short: "Workspace synchronization daemon",
		Long: `Syncd keeps a development workspace synchronized: it serves file
operations with path validation and advisory locks, batches filesystem
change events, lazily loads large files in chunks, and hosts
collaborative editing sessions that merge concurrent edits.

Change events fan out over NATS when a server URL is configured;
without one the daemon runs fully in-process.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(flags)
		},
	}

	cmd.Flags().StringVarP(&flags.configPath, "config", "c", "", "Config file path (YAML)")
	cmd.Flags().StringVar(&flags.root, "root", "", "Workspace root directory")
	cmd.Flags().StringVar(&flags.natsURL, "nats", "", "NATS server URL for fan-out")
	cmd.Flags().StringVar(&flags.metricsAddr, "metrics-addr", "", "Listen address for /metrics")
	cmd.Flags().StringVar(&flags.userID, "user", "", "Local user ID for collaboration")
	cmd.Flags().StringVar(&flags.userName, "user-name", "", "Local user display name")
	cmd.Flags().StringVar(&flags.logLevel, "log-level", "info", "Log level (debug, info, warn, error)")

	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("%s version %s (build: %s)\n", appName, Version, BuildTime)
		},
	})

	return cmd
}
