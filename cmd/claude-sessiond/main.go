// Package main is the entry point for the claude-sessiond broker.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var version = "0.1.0"

// Global flags, set by the root command's persistent flags and read by
// every subcommand.
var (
	configPath    string
	verbose       bool
	correlationID string
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "claude-sessiond",
		Short: "Multi-tenant HTTP broker for claude CLI agent sessions",
		Long: `claude-sessiond manages per-session claude CLI subprocesses behind an
HTTP API: it admits and evicts sessions under configured limits, relays
chat turns to the subprocess over stdin/stdout, and translates its
event stream to JSON and SSE responses.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVar(&configPath, "config", "", "Path to YAML config file")
	root.PersistentFlags().BoolVar(&verbose, "verbose", false, "Enable verbose logging")
	root.PersistentFlags().StringVar(&correlationID, "correlation-id", "", "Set explicit correlation ID for this process's startup log lines")

	root.AddCommand(newServeCmd())
	root.AddCommand(newVersionCmd())
	root.AddCommand(newMigrateCmd())
	root.AddCommand(newHealthcheckCmd())

	return root
}

func main() {
	root := newRootCmd()
	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
