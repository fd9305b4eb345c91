package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"mcpgate/internal/config"
)

var validateConfigDir string
var validateEnvironment string
var validateOverrides []string

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate the configuration without starting the gateway",
	Long: `Loads the full configuration cascade exactly as serve would,
including secret resolution and schema validation, and reports the
result. Exits non-zero when the configuration would be rejected.`,
	Args: cobra.NoArgs,
	RunE: runValidate,
}

func runValidate(cmd *cobra.Command, args []string) error {
	cfg, env, err := config.Load(config.LoadOptions{
		ConfigDir:    validateConfigDir,
		Environment:  config.Environment(validateEnvironment),
		CLIOverrides: validateOverrides,
	})
	if err != nil {
		return fmt.Errorf("configuration invalid: %w", err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Configuration valid (environment: %s)\n", env)
	fmt.Fprintf(out, "  hosting: port %d, base URL %q\n", cfg.Hosting.Port, cfg.Hosting.BaseURL)
	fmt.Fprintf(out, "  servers: %d\n", len(cfg.Servers))
	for _, server := range cfg.Servers {
		strategy := server.AuthStrategy
		if strategy == "" {
			strategy = config.StrategyMasterOAuth
		}
		fmt.Fprintf(out, "    %s (%s, %s)\n", server.ID, server.Type, strategy)
	}
	return nil
}

func init() {
	rootCmd.AddCommand(validateCmd)

	validateCmd.Flags().StringVar(&validateConfigDir, "config-dir", "", "Configuration directory (default \"config\")")
	validateCmd.Flags().StringVar(&validateEnvironment, "environment", "", "Override environment detection")
	validateCmd.Flags().StringArrayVar(&validateOverrides, "set", nil, "Configuration override as dotted.path=value (repeatable)")
}
