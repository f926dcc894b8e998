package cmd

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"shellrelay/pkg/config"
	"shellrelay/pkg/protocol"
)

var toolsCmd = &cobra.Command{
	Use:   "tools",
	Short: "List the tools offered by the configured tool server",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, log, err := loadRuntime(os.Stderr, "cmd.tools")
		if err != nil {
			return err
		}
		return listTools(cmd.Context(), cfg, cmd.OutOrStdout(), log)
	},
}

func init() {
	rootCmd.AddCommand(toolsCmd)
}

func listTools(ctx context.Context, cfg *config.Config, out io.Writer, log *slog.Logger) error {
	client := protocol.New(protocol.ProcessDialer(toolServerSpec(cfg), log), clientOptions(cfg), log)
	defer client.Close()

	if err := client.Start(ctx); err != nil {
		return fmt.Errorf("start tool server: %w", err)
	}

	tools, err := client.ListTools(ctx)
	if err != nil {
		return err
	}

	info := client.ServerInfo()
	fmt.Fprintf(out, "%s %s\n", info.Name, info.Version)
	for _, tool := range tools {
		marker := " "
		if tool.Name == cfg.MCP.ToolName {
			marker = "*"
		}
		fmt.Fprintf(out, "%s %s\t%s\n", marker, tool.Name, strings.TrimSpace(tool.Description))
	}
	return nil
}
