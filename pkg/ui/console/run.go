// Package console is the terminal operator console: instructions typed here
// go through the same orchestrator as chat messages and reports render inline.
package console

import (
	"context"
	"fmt"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"shellrelay/pkg/bus"
)

// SubmitFunc queues one instruction and reports whether it was accepted.
type SubmitFunc func(ctx context.Context, text string) bool

// RuntimeInfo is shown in the console header.
type RuntimeInfo struct {
	ToolServer string
	WorkingDir string
}

// Run blocks until the operator quits. Replies are read from feed's outbound
// queue and lifecycle events update the status line.
func Run(ctx context.Context, submit SubmitFunc, feed *bus.MessageBus, info RuntimeInfo) error {
	events, unsubscribe := feed.SubscribeEvents(ctx, 0)
	defer unsubscribe()

	program := tea.NewProgram(newModel(ctx, submit, feed, events, info), tea.WithContext(ctx), tea.WithMouseCellMotion())
	_, err := program.Run()
	if err != nil && ctx.Err() == nil {
		return err
	}

	fmt.Print("\033[H\033[2J")
	fmt.Println(renderGoodbyeBanner())
	return nil
}

func renderGoodbyeBanner() string {
	style := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("230")).
		Background(lipgloss.Color("88")).
		Padding(1, 2)

	return style.Render("🖥 shellrelay console closed")
}
