package executor

import (
	"context"
	"log/slog"
	"path/filepath"
	"time"

	"shellrelay/pkg/workspace"
)

// CommandRunner runs a single command. *Runner satisfies it.
type CommandRunner interface {
	Run(ctx context.Context, command Command, dir string, timeout time.Duration) Outcome
}

type PipelineOptions struct {
	// PartialSuccess reports a list whose failure follows at least one success as Succeeded.
	PartialSuccess bool
}

// Pipeline runs command lists strictly in order and stops at the first
// non-succeeding command. Only one list runs at a time across the process;
// callers queue in arrival order.
type Pipeline struct {
	runner CommandRunner
	guard  *workspace.Guard
	opts   PipelineOptions
	log    *slog.Logger

	gate chan struct{}
}

func NewPipeline(runner CommandRunner, guard *workspace.Guard, opts PipelineOptions, log *slog.Logger) *Pipeline {
	if log == nil {
		log = slog.Default()
	}

	return &Pipeline{
		runner: runner,
		guard:  guard,
		opts:   opts,
		log:    log.With("component", "executor.pipeline"),
		gate:   make(chan struct{}, 1),
	}
}

// RunAll executes commands in workingDir with perCommandTimeout. An empty
// workingDir means the guard root. The report holds exactly the attempted
// prefix of commands.
func (p *Pipeline) RunAll(ctx context.Context, commands []Command, workingDir string, perCommandTimeout time.Duration) Report {
	report := Report{
		Outcomes:       make([]Outcome, 0, len(commands)),
		Requested:      len(commands),
		Classification: Succeeded,
	}

	select {
	case p.gate <- struct{}{}:
	case <-ctx.Done():
		report.Classification = Failed
		report.Err = "canceled before start: " + ctx.Err().Error()
		return report
	}
	defer func() { <-p.gate }()

	if workingDir == "" && p.guard != nil {
		workingDir = p.guard.Root()
	}

	for i, command := range commands {
		var outcome Outcome
		if dir, err := p.commandDir(workingDir, command.Dir); err != nil {
			outcome = Outcome{
				Command:        command.Text,
				Description:    command.Description,
				Dir:            command.Dir,
				ExitCode:       -1,
				Classification: SpawnError,
				Err:            err.Error(),
			}
		} else {
			outcome = p.runner.Run(ctx, command, dir, perCommandTimeout)
			if p.guard != nil {
				outcome.Dir = p.guard.RelPath(dir)
			}
		}

		report.Outcomes = append(report.Outcomes, outcome)
		if outcome.Succeeded() {
			continue
		}

		report.Classification = outcome.Classification
		if p.opts.PartialSuccess && i > 0 {
			report.Classification = Succeeded
			report.Partial = true
		}
		p.log.Info("Pipeline stopped at failed command",
			"index", i+1,
			"requested", len(commands),
			"classification", outcome.Classification,
			"command", command.Text,
		)
		return report
	}

	return report
}

func (p *Pipeline) commandDir(workingDir string, override string) (string, error) {
	if override == "" {
		return workingDir, nil
	}
	if p.guard == nil {
		if filepath.IsAbs(override) {
			return override, nil
		}
		return filepath.Join(workingDir, override), nil
	}
	return p.guard.ResolveDirFrom(workingDir, override)
}
