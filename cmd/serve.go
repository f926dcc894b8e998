package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"shellrelay/pkg/planner"
	"shellrelay/pkg/toolserver"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the planning tool server on stdio",
	Long:  "Serves the plan_commands tool over MCP on stdin/stdout. Point mcp.command at this binary with args [\"serve\"]. Logs are written to stderr.",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		// stdout carries protocol frames only.
		cfg, log, err := loadRuntime(os.Stderr, "cmd.serve")
		if err != nil {
			return err
		}

		p, err := planner.NewFromConfig(cfg.Planner, log)
		if err != nil {
			return fmt.Errorf("configure planner: %w", err)
		}

		checkPlanner(cmd.Context(), p, log)

		srv, err := toolserver.New(p, toolserver.Options{Version: version, ToolName: cfg.MCP.ToolName}, log)
		if err != nil {
			return err
		}

		runCtx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		log.Info("Serving planner", "provider", cfg.Planner.Provider, "model", cfg.Planner.Model, "tool", cfg.MCP.ToolName)
		if err := srv.RunStdio(runCtx); err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("tool server: %w", err)
		}
		return nil
	},
}

const plannerHealthTimeout = 10 * time.Second

type healthChecker interface {
	Health(ctx context.Context) error
}

// checkPlanner reports whether the backend answered. Serving continues either
// way; a backend that comes up later still gets planning calls.
func checkPlanner(ctx context.Context, p healthChecker, log *slog.Logger) bool {
	ctx, cancel := context.WithTimeout(ctx, plannerHealthTimeout)
	defer cancel()
	if err := p.Health(ctx); err != nil {
		log.Warn("Planner backend is not reachable", "error", err)
		return false
	}
	return true
}

func init() {
	rootCmd.AddCommand(serveCmd)
}
