package gateway

import (
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"shellrelay/pkg/executor"
	"shellrelay/pkg/protocol"
)

const (
	stdoutPreviewRunes = 500
	stderrPreviewRunes = 300
	truncatedMarker    = "...(truncated)"
)

var classificationIcons = map[executor.Classification]string{
	executor.Succeeded:  "✅",
	executor.Failed:     "❌",
	executor.TimedOut:   "⏱",
	executor.SpawnError: "🚫",
}

// toCommands maps tool-server command specs onto executor commands.
func toCommands(specs []protocol.CommandSpec) []executor.Command {
	commands := make([]executor.Command, 0, len(specs))
	for _, spec := range specs {
		commands = append(commands, executor.Command{
			Text:        spec.Command,
			Description: spec.Description,
			Timeout:     time.Duration(spec.TimeoutSecs) * time.Second,
			Dir:         spec.WorkingDir,
		})
	}
	return commands
}

// FormatPlan renders the numbered command list sent before execution.
func FormatPlan(commands []executor.Command) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Plan (%d %s):\n", len(commands), plural(len(commands), "command", "commands"))
	for i, command := range commands {
		fmt.Fprintf(&b, "%d. %s\n", i+1, command.Text)
		if command.Description != "" {
			fmt.Fprintf(&b, "   %s\n", command.Description)
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

// FormatReport renders an execution report for a chat. commands is the
// requested list, used to name the commands that never ran.
func FormatReport(report executor.Report, commands []executor.Command) string {
	if report.Requested == 0 {
		return "Nothing to execute."
	}

	var b strings.Builder
	b.WriteString(reportHeader(report))

	for i, outcome := range report.Outcomes {
		b.WriteString("\n\n")
		writeOutcome(&b, i+1, report.Requested, outcome)
	}

	if skipped := report.Skipped(); skipped > 0 {
		fmt.Fprintf(&b, "\n\nSkipped %d %s:", skipped, plural(skipped, "command", "commands"))
		for i := report.Attempted(); i < len(commands); i++ {
			fmt.Fprintf(&b, "\n- %s", commands[i].Text)
		}
	}

	if report.Err != "" && report.Attempted() == 0 {
		fmt.Fprintf(&b, "\n\nerror: %s", report.Err)
	}

	return b.String()
}

func reportHeader(report executor.Report) string {
	if report.Classification == executor.Succeeded && !report.Partial {
		return fmt.Sprintf("%s All %d %s succeeded", classificationIcons[executor.Succeeded], report.Requested, plural(report.Requested, "command", "commands"))
	}

	failure, ok := report.FirstFailure()
	if !ok {
		return fmt.Sprintf("%s Execution stopped: %s", classificationIcons[executor.Failed], report.Err)
	}

	header := fmt.Sprintf("%s Stopped at command %d of %d (%s)",
		classificationIcons[failure.Classification], report.Attempted(), report.Requested, failure.Classification)
	if report.Partial {
		header += ", earlier commands succeeded"
	}
	return header
}

func writeOutcome(b *strings.Builder, index, total int, outcome executor.Outcome) {
	fmt.Fprintf(b, "%s [%d/%d]", classificationIcons[outcome.Classification], index, total)
	if outcome.Description != "" {
		fmt.Fprintf(b, " %s", outcome.Description)
	}
	fmt.Fprintf(b, "\n$ %s", outcome.Command)
	if outcome.Dir != "" && outcome.Dir != "." {
		fmt.Fprintf(b, "  (in %s)", outcome.Dir)
	}
	b.WriteString("\n")
	fmt.Fprintf(b, "exit %d in %s", outcome.ExitCode, outcome.Duration.Round(time.Millisecond))

	if stdout := strings.TrimRight(outcome.Stdout, "\n"); stdout != "" {
		fmt.Fprintf(b, "\nstdout:\n%s", truncateRunes(stdout, stdoutPreviewRunes))
	}
	if stderr := strings.TrimRight(outcome.Stderr, "\n"); stderr != "" {
		fmt.Fprintf(b, "\nstderr:\n%s", truncateRunes(stderr, stderrPreviewRunes))
	}
	if outcome.Err != "" {
		fmt.Fprintf(b, "\nerror: %s", outcome.Err)
	}
}

// FormatFailure renders a cycle that failed before any command ran.
func FormatFailure(stage string, err error) string {
	return fmt.Sprintf("%s %s: %v", classificationIcons[executor.Failed], stage, err)
}

func truncateRunes(text string, limit int) string {
	if utf8.RuneCountInString(text) <= limit {
		return text
	}
	return string([]rune(text)[:limit]) + truncatedMarker
}

func plural(n int, one, many string) string {
	if n == 1 {
		return one
	}
	return many
}
