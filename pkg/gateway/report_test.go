package gateway

import (
	"strings"
	"testing"
	"time"

	"shellrelay/pkg/executor"
	"shellrelay/pkg/protocol"
)

func TestToCommands(t *testing.T) {
	commands := toCommands([]protocol.CommandSpec{
		{Command: "ls", Description: "list", TimeoutSecs: 5, WorkingDir: "sub"},
		{Command: "pwd"},
	})

	if len(commands) != 2 {
		t.Fatalf("len = %d, want 2", len(commands))
	}
	if commands[0].Timeout != 5*time.Second || commands[0].Dir != "sub" || commands[0].Description != "list" {
		t.Fatalf("first command = %+v", commands[0])
	}
	if commands[1].Timeout != 0 {
		t.Fatalf("second timeout = %s, want 0", commands[1].Timeout)
	}
}

func TestFormatPlan(t *testing.T) {
	got := FormatPlan([]executor.Command{
		{Text: "ls -la", Description: "list files"},
		{Text: "pwd"},
	})

	want := "Plan (2 commands):\n1. ls -la\n   list files\n2. pwd"
	if got != want {
		t.Fatalf("FormatPlan = %q, want %q", got, want)
	}
}

func TestFormatReportEmpty(t *testing.T) {
	if got := FormatReport(executor.Report{Classification: executor.Succeeded}, nil); got != "Nothing to execute." {
		t.Fatalf("FormatReport empty = %q", got)
	}
}

func TestFormatReportSuccess(t *testing.T) {
	report := executor.Report{
		Requested:      1,
		Classification: executor.Succeeded,
		Outcomes: []executor.Outcome{{
			Command:        "ls -la",
			Description:    "list files",
			Stdout:         "a\nb\n",
			Duration:       1500 * time.Microsecond,
			Classification: executor.Succeeded,
		}},
	}

	got := FormatReport(report, nil)
	for _, want := range []string{"✅ All 1 command succeeded", "✅ [1/1] list files", "$ ls -la", "exit 0 in 2ms", "stdout:\na\nb"} {
		if !strings.Contains(got, want) {
			t.Fatalf("report missing %q:\n%s", want, got)
		}
	}
}

func TestFormatReportShowsCommandDirectory(t *testing.T) {
	report := executor.Report{
		Requested:      2,
		Classification: executor.Succeeded,
		Outcomes: []executor.Outcome{
			{Command: "pwd", Dir: ".", Classification: executor.Succeeded},
			{Command: "make", Dir: "sub", Classification: executor.Succeeded},
		},
	}

	got := FormatReport(report, nil)
	if !strings.Contains(got, "$ make  (in sub)") {
		t.Fatalf("report missing directory for nested command:\n%s", got)
	}
	if strings.Contains(got, "(in .)") {
		t.Fatalf("report should omit the root directory:\n%s", got)
	}
}

func TestFormatReportFailureListsSkipped(t *testing.T) {
	commands := []executor.Command{{Text: "mkdir /tmp/x"}, {Text: "false"}, {Text: "rm -rf /tmp/x"}}
	report := executor.Report{
		Requested:      3,
		Classification: executor.Failed,
		Outcomes: []executor.Outcome{
			{Command: "mkdir /tmp/x", Classification: executor.Succeeded},
			{Command: "false", ExitCode: 1, Classification: executor.Failed, Err: "exit status 1"},
		},
	}

	got := FormatReport(report, commands)
	for _, want := range []string{"❌ Stopped at command 2 of 3 (failed)", "❌ [2/3]", "exit 1", "error: exit status 1", "Skipped 1 command:\n- rm -rf /tmp/x"} {
		if !strings.Contains(got, want) {
			t.Fatalf("report missing %q:\n%s", want, got)
		}
	}
}

func TestFormatReportTimeoutAndPartial(t *testing.T) {
	report := executor.Report{
		Requested:      2,
		Classification: executor.Succeeded,
		Partial:        true,
		Outcomes: []executor.Outcome{
			{Command: "true", Classification: executor.Succeeded},
			{Command: "sleep 100", ExitCode: -1, Classification: executor.TimedOut},
		},
	}

	got := FormatReport(report, nil)
	if !strings.HasPrefix(got, "⏱ Stopped at command 2 of 2 (timed_out), earlier commands succeeded") {
		t.Fatalf("header = %q", strings.SplitN(got, "\n", 2)[0])
	}
}

func TestFormatReportTruncatesOutput(t *testing.T) {
	report := executor.Report{
		Requested:      1,
		Classification: executor.Failed,
		Outcomes: []executor.Outcome{{
			Command:        "noisy",
			Stdout:         strings.Repeat("o", stdoutPreviewRunes+50),
			Stderr:         strings.Repeat("é", stderrPreviewRunes+50),
			Classification: executor.Failed,
		}},
	}

	got := FormatReport(report, nil)
	if !strings.Contains(got, strings.Repeat("o", stdoutPreviewRunes)+truncatedMarker) {
		t.Fatal("stdout was not cut at the preview limit")
	}
	if strings.Contains(got, strings.Repeat("o", stdoutPreviewRunes+1)) {
		t.Fatal("stdout exceeds the preview limit")
	}
	if !strings.Contains(got, strings.Repeat("é", stderrPreviewRunes)+truncatedMarker) {
		t.Fatal("stderr was not cut at the preview limit")
	}
}

func TestFormatReportSpawnErrorBeforeStart(t *testing.T) {
	report := executor.Report{
		Requested:      2,
		Classification: executor.Failed,
		Err:            "canceled before start",
	}

	got := FormatReport(report, []executor.Command{{Text: "a"}, {Text: "b"}})
	if !strings.Contains(got, "Execution stopped: canceled before start") {
		t.Fatalf("report = %q", got)
	}
	if !strings.Contains(got, "Skipped 2 commands") {
		t.Fatalf("report = %q", got)
	}
}
