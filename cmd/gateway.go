package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"shellrelay/pkg/bus"
	"shellrelay/pkg/channel"
	"shellrelay/pkg/channel/telegram"
	"shellrelay/pkg/config"
	"shellrelay/pkg/executor"
	"shellrelay/pkg/gateway"
	"shellrelay/pkg/protocol"
	"shellrelay/pkg/transport"
	"shellrelay/pkg/workspace"
)

var gatewayCmd = &cobra.Command{
	Use:     "gateway",
	Aliases: []string{"run"},
	Short:   "Run the Telegram gateway",
	Long:    "Polls Telegram for instructions, asks the tool server for commands, runs them and replies with a report.",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, log, err := loadRuntime(os.Stderr, "cmd.gateway")
		if err != nil {
			return err
		}
		if err := cfg.ValidateTelegram(); err != nil {
			return err
		}

		runCtx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		gw, err := telegram.NewGateway(cfg.Telegram, log)
		if err != nil {
			return fmt.Errorf("configure telegram: %w", err)
		}

		events := bus.NewMessageBus()
		defer events.Close()

		svc, err := newService(cfg, gw, events, gateway.OptionsFromConfig(cfg), log)
		if err != nil {
			return err
		}

		log.Info("Starting gateway", "channel", gw.Name(), "tool_server", cfg.MCP.Command, "allowed_chats", len(cfg.Telegram.AllowedChatIDs))
		return runService(runCtx, svc, log)
	},
}

func init() {
	rootCmd.AddCommand(gatewayCmd)
}

// newService wires the process transport, protocol client, command runner
// and execution pipeline behind one orchestrator.
func newService(cfg *config.Config, gw channel.Gateway, events *bus.MessageBus, opts gateway.Options, log *slog.Logger) (*gateway.Service, error) {
	guard, err := workspace.NewGuard(cfg.Executor.WorkingDir, cfg.Executor.ConfineDirs)
	if err != nil {
		return nil, fmt.Errorf("resolve working directory: %w", err)
	}
	opts.WorkingDir = guard.Root()

	runner := executor.NewRunner(executor.RunnerOptions{
		Shell:       cfg.Executor.Shell,
		OutputLimit: cfg.Executor.OutputLimitBytes,
		KillGrace:   cfg.Executor.KillGrace(),
		Env:         cfg.Executor.Env,
	}, log)
	pipeline := executor.NewPipeline(runner, guard, executor.PipelineOptions{PartialSuccess: cfg.Executor.PartialSuccess}, log)

	factory := gateway.NewClientFactory(protocol.ProcessDialer(toolServerSpec(cfg), log), clientOptions(cfg), log)

	svc, err := gateway.NewService(gw, factory, pipeline, events, opts, log)
	if err != nil {
		return nil, fmt.Errorf("initialize gateway service: %w", err)
	}
	return svc, nil
}

func runService(ctx context.Context, svc *gateway.Service, log *slog.Logger) error {
	err := svc.Run(ctx)
	if err == nil || errors.Is(err, context.Canceled) {
		log.Info("Gateway stopped", "offset", svc.Offset())
		return nil
	}

	log.Error("Gateway runtime failed", "error", err)
	return err
}

func toolServerSpec(cfg *config.Config) transport.Spec {
	return transport.Spec{
		Command: cfg.MCP.Command,
		Args:    cfg.MCP.Args,
		Env:     cfg.MCP.Env,
		Dir:     cfg.MCP.WorkingDir,
	}
}

func clientOptions(cfg *config.Config) protocol.Options {
	return protocol.Options{
		ClientName:       "shellrelay",
		ClientVersion:    version,
		HandshakeTimeout: cfg.MCP.HandshakeTimeout(),
		RequestTimeout:   cfg.MCP.RequestTimeout(),
	}
}
