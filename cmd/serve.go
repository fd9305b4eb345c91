package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"mcpgate/internal/app"
	"mcpgate/internal/config"
	"mcpgate/pkg/logging"
)

// serveConfigDir points at the directory holding default.{json,yaml}
// and the environment overlay.
var serveConfigDir string

// serveEnvironment overrides environment detection (development, test,
// staging, production).
var serveEnvironment string

// serveOverrides are "dotted.path=value" assignments applied on top of
// every other configuration layer.
var serveOverrides []string

// serveNoWatch disables the config file watcher; reloads then only
// happen through process restart.
var serveNoWatch bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the gateway",
	Long: `Starts the gateway: loads the layered configuration, discovers the
capabilities of every configured MCP server, and serves the aggregated
catalog over HTTP until interrupted.

Configuration is read from --config-dir (default "config"): built-in
defaults, then default.{json,yaml}, then {environment}.{json,yaml},
then environment variables, then --set overrides. While running, edits
to the config files are applied without a restart; changes to the
port, platform or encryption key source are rejected and keep the
running configuration.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	mgr, err := config.NewManager(config.LoadOptions{
		ConfigDir:    serveConfigDir,
		Environment:  config.Environment(serveEnvironment),
		CLIOverrides: serveOverrides,
	})
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	cfg := mgr.Get()
	logging.Init(logging.ParseLevel(cfg.Logging.Level), logging.Format(cfg.Logging.Format), os.Stderr)
	logging.Info("Main", "Starting mcpgate %s (environment: %s)", rootCmd.Version, mgr.Environment())

	container, err := app.NewContainer(mgr)
	if err != nil {
		return fmt.Errorf("failed to initialize gateway: %w", err)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	container.Start(ctx)
	defer container.Stop()

	if !serveNoWatch {
		if err := mgr.Watch(ctx); err != nil {
			return err
		}
		defer mgr.Stop()
	}

	return app.NewServer(container, cfg.Hosting.Port).Run(ctx)
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().StringVar(&serveConfigDir, "config-dir", "", "Configuration directory (default \"config\")")
	serveCmd.Flags().StringVar(&serveEnvironment, "environment", "", "Override environment detection (development, test, staging, production)")
	serveCmd.Flags().StringArrayVar(&serveOverrides, "set", nil, "Configuration override as dotted.path=value (repeatable)")
	serveCmd.Flags().BoolVar(&serveNoWatch, "no-watch", false, "Disable config hot-reload")
}
