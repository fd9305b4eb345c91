package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

// Exit codes for CLI commands.
const (
	// ExitCodeSuccess indicates successful execution.
	ExitCodeSuccess = 0
	// ExitCodeError indicates a general error (command failed, invalid
	// arguments, configuration rejected).
	ExitCodeError = 1
)

// rootCmd is the base command for the mcpgate binary. It is the entry
// point when the application is called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "mcpgate",
	Short: "Aggregating gateway for MCP servers",
	Long: `mcpgate fronts a fleet of MCP servers behind a single endpoint.
It aggregates their tools, resources and prompts under namespaced
names, routes calls with per-instance circuit breaking and retries,
and handles authentication toward each backend on the caller's
behalf.`,
	// SilenceUsage prevents Cobra from printing the usage message on
	// errors the application already reports itself.
	SilenceUsage: true,
}

// SetVersion sets the version for the root command. Called from the
// main package to inject the build version.
func SetVersion(v string) {
	rootCmd.Version = v
}

// Execute runs the root command and maps failures to exit codes.
// This function is called by main.main().
func Execute() {
	rootCmd.SetVersionTemplate(`{{printf "mcpgate version %s\n" .Version}}`)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(ExitCodeError)
	}
}
