// Package main is the entry point for the redink-core binary.
// It provides the API server plus offline device-management commands.
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

// newRootCmd creates the root command for redink-core
func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "redink-core",
		Short: "RedInk provider configuration and device authorization core",
		Long: `The core service behind the RedInk studio backend: it persists provider
configuration (including API keys) across container restarts and controls
which devices may use each provider's key.

Run "redink-core serve" to start the API server, or use the "devices"
subcommands to inspect and manage bindings directly against the stored
configuration files.`,
	}

	rootCmd.PersistentFlags().StringP("config", "c", "redink.yaml", "Path to configuration file (YAML)")
	rootCmd.PersistentFlags().StringP("log-level", "l", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("pretty", false, "Enable pretty console logging")

	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newDevicesCmd())

	return rootCmd
}
