// Package executor runs shell commands under a deadline and sequences
// command lists with stop-on-failure semantics.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sort"
	"strings"
	"time"
)

const (
	DefaultShell       = "/bin/sh"
	DefaultOutputLimit = 64 << 10
	DefaultKillGrace   = 3 * time.Second
	DefaultTimeout     = 120 * time.Second

	exitNotExecutable = 126
	exitNotFound      = 127
)

type RunnerOptions struct {
	Shell       string
	OutputLimit int
	KillGrace   time.Duration
	Env         map[string]string
}

// Runner executes one command line through the configured shell.
type Runner struct {
	shell       string
	outputLimit int
	killGrace   time.Duration
	env         []string
	log         *slog.Logger
}

func NewRunner(opts RunnerOptions, log *slog.Logger) *Runner {
	if log == nil {
		log = slog.Default()
	}
	if strings.TrimSpace(opts.Shell) == "" {
		opts.Shell = DefaultShell
	}
	if opts.OutputLimit <= 0 {
		opts.OutputLimit = DefaultOutputLimit
	}
	if opts.KillGrace <= 0 {
		opts.KillGrace = DefaultKillGrace
	}

	return &Runner{
		shell:       opts.Shell,
		outputLimit: opts.OutputLimit,
		killGrace:   opts.KillGrace,
		env:         buildEnv(opts.Env),
		log:         log.With("component", "executor.runner"),
	}
}

// Run executes command in dir and always returns an Outcome. A positive
// command.Timeout replaces timeout. On deadline the process group receives
// SIGTERM, then SIGKILL after the kill grace, and Run returns only after the
// process has been reaped.
func (r *Runner) Run(ctx context.Context, command Command, dir string, timeout time.Duration) (outcome Outcome) {
	started := time.Now()
	outcome = Outcome{
		Command:     command.Text,
		Description: command.Description,
		Dir:         dir,
		ExitCode:    -1,
	}
	defer func() {
		if recovered := recover(); recovered != nil {
			outcome.Classification = Failed
			outcome.Err = fmt.Sprintf("runner panic: %v", recovered)
		}
		outcome.Duration = time.Since(started)
	}()

	if strings.TrimSpace(command.Text) == "" {
		outcome.Classification = SpawnError
		outcome.Err = "empty command"
		return outcome
	}
	if command.Timeout > 0 {
		timeout = command.Timeout
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	stdout := newCappedBuffer(r.outputLimit)
	stderr := newCappedBuffer(r.outputLimit)

	cmd := exec.Command(r.shell, "-c", command.Text)
	cmd.Dir = dir
	cmd.Env = r.env
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.WaitDelay = r.killGrace
	isolateProcessGroup(cmd)

	if err := cmd.Start(); err != nil {
		outcome.Classification = SpawnError
		outcome.Err = err.Error()
		r.log.Warn("Command failed to start", "command", command.Text, "dir", dir, "error", err)
		return outcome
	}

	log := r.log.With("pid", cmd.Process.Pid)
	log.Debug("Command started", "command", command.Text, "dir", dir, "timeout", timeout)

	waitCh := make(chan error, 1)
	go func() { waitCh <- cmd.Wait() }()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var waitErr error
	select {
	case waitErr = <-waitCh:
	case <-timer.C:
		outcome.Classification = TimedOut
		outcome.Err = fmt.Sprintf("timed out after %s", timeout)
		waitErr = r.terminate(cmd, waitCh, log)
	case <-ctx.Done():
		outcome.Classification = Failed
		outcome.Err = "canceled: " + ctx.Err().Error()
		waitErr = r.terminate(cmd, waitCh, log)
	}

	outcome.Stdout, outcome.StdoutTruncated = stdout.Text()
	outcome.Stderr, outcome.StderrTruncated = stderr.Text()
	if cmd.ProcessState != nil {
		outcome.ExitCode = cmd.ProcessState.ExitCode()
	}

	if outcome.Classification == "" {
		outcome.Classification, outcome.Err = classifyExit(outcome.ExitCode, waitErr)
	}

	log.Debug("Command finished",
		"command", command.Text,
		"classification", outcome.Classification,
		"exit_code", outcome.ExitCode,
		"duration", time.Since(started),
	)
	return outcome
}

func classifyExit(exitCode int, waitErr error) (Classification, string) {
	var exitErr *exec.ExitError
	switch {
	case waitErr == nil:
		return Succeeded, ""
	case errors.As(waitErr, &exitErr):
		switch exitCode {
		case exitNotFound:
			return SpawnError, "command not found (exit 127)"
		case exitNotExecutable:
			return SpawnError, "command not executable (exit 126)"
		default:
			return Failed, exitErr.Error()
		}
	case errors.Is(waitErr, exec.ErrWaitDelay) && exitCode == 0:
		return Succeeded, "output left open by a background process"
	default:
		return Failed, waitErr.Error()
	}
}

func (r *Runner) terminate(cmd *exec.Cmd, waitCh <-chan error, log *slog.Logger) error {
	if err := interruptProcess(cmd); err != nil {
		log.Warn("Failed to interrupt command", "error", err)
	}

	grace := time.NewTimer(r.killGrace)
	defer grace.Stop()

	select {
	case err := <-waitCh:
		return err
	case <-grace.C:
	}

	log.Warn("Command ignored interrupt, killing", "grace", r.killGrace)
	if err := killProcess(cmd); err != nil {
		log.Error("Failed to kill command", "error", err)
	}
	return <-waitCh
}

func buildEnv(extra map[string]string) []string {
	env := os.Environ()
	if len(extra) == 0 {
		return env
	}

	keys := make([]string, 0, len(extra))
	for key := range extra {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		env = append(env, key+"="+extra[key])
	}
	return env
}
