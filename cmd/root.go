package cmd

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"shellrelay/pkg/config"
	"shellrelay/pkg/logger"
)

// version is overridden at build time with -ldflags "-X shellrelay/cmd.version=...".
var version = "dev"

var configPath string

var rootCmd = &cobra.Command{
	Use:           "shellrelay",
	Short:         "Run shell commands planned by a tool server from chat messages",
	Long:          "shellrelay turns chat instructions into shell commands through an MCP tool server, runs them in order and reports the results back.",
	SilenceUsage:  true,
	SilenceErrors: true,
	Version:       version,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to config.toml (defaults to SHELLRELAY_CONFIG or ./config.toml)")
}

// Execute runs the CLI and exits non-zero on any command error.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "shellrelay: %v\n", err)
		os.Exit(1)
	}
}

// loadRuntime loads the config and installs the process logger. Logs go to
// logOut unless the config names a log file.
func loadRuntime(logOut io.Writer, component string) (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}

	appLogger, err := logger.NewForWriter(cfg.Logging, logOut)
	if err != nil {
		return nil, nil, fmt.Errorf("initialize logger: %w", err)
	}
	slog.SetDefault(appLogger)

	return cfg, appLogger.With("component", component), nil
}
