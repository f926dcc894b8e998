package cmd

import (
	"context"
	"errors"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"shellrelay/pkg/bus"
	"shellrelay/pkg/channel/console"
	"shellrelay/pkg/gateway"
	consoleui "shellrelay/pkg/ui/console"
)

var consoleCmd = &cobra.Command{
	Use:   "console",
	Short: "Type instructions in a local terminal console",
	Long:  "Runs the same pipeline as the gateway, fed from an interactive terminal instead of Telegram. Logs go to logging.file when set and are discarded otherwise.",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, log, err := loadRuntime(io.Discard, "cmd.console")
		if err != nil {
			return err
		}

		runCtx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		feed := bus.NewMessageBus()
		defer feed.Close()

		gw := console.NewGateway(feed, log)

		opts := gateway.OptionsFromConfig(cfg)
		opts.EchoResult = true
		opts.AllowedChatIDs = nil
		opts.StatusListen = ""

		svc, err := newService(cfg, gw, feed, opts, log)
		if err != nil {
			return err
		}

		group, groupCtx := errgroup.WithContext(runCtx)
		group.Go(func() error {
			return runService(groupCtx, svc, log)
		})
		group.Go(func() error {
			defer stop()
			return consoleui.Run(groupCtx, gw.Submit, feed, consoleui.RuntimeInfo{
				ToolServer: cfg.MCP.Command,
				WorkingDir: cfg.Executor.WorkingDir,
			})
		})

		if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(consoleCmd)
}
