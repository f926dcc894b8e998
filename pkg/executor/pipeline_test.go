package executor

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"shellrelay/pkg/workspace"
)

// scriptedRunner returns canned classifications keyed by command text.
type scriptedRunner struct {
	mu       sync.Mutex
	verdicts map[string]Classification
	calls    []string
	dirs     []string
	active   int
	maxSeen  int
	delay    time.Duration
}

func (r *scriptedRunner) Run(_ context.Context, command Command, dir string, _ time.Duration) Outcome {
	r.mu.Lock()
	r.calls = append(r.calls, command.Text)
	r.dirs = append(r.dirs, dir)
	r.active++
	r.maxSeen = max(r.maxSeen, r.active)
	r.mu.Unlock()

	time.Sleep(r.delay)

	r.mu.Lock()
	r.active--
	verdict, ok := r.verdicts[command.Text]
	r.mu.Unlock()
	if !ok {
		verdict = Succeeded
	}
	return Outcome{Command: command.Text, Classification: verdict}
}

func (r *scriptedRunner) ran() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string{}, r.calls...)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func commandsOf(texts ...string) []Command {
	commands := make([]Command, 0, len(texts))
	for _, text := range texts {
		commands = append(commands, Command{Text: text})
	}
	return commands
}

func mustGuard(t *testing.T) *workspace.Guard {
	t.Helper()
	guard, err := workspace.NewGuard(t.TempDir(), true)
	require.NoError(t, err)
	return guard
}

func TestRunAllStopsAtFirstNonSuccess(t *testing.T) {
	tests := []struct {
		name      string
		verdicts  map[string]Classification
		commands  []string
		attempted int
		want      Classification
	}{
		{name: "all succeed", commands: []string{"a", "b", "c"}, attempted: 3, want: Succeeded},
		{name: "first fails", verdicts: map[string]Classification{"a": Failed}, commands: []string{"a", "b", "c"}, attempted: 1, want: Failed},
		{name: "middle times out", verdicts: map[string]Classification{"b": TimedOut}, commands: []string{"a", "b", "c"}, attempted: 2, want: TimedOut},
		{name: "last spawn error", verdicts: map[string]Classification{"c": SpawnError}, commands: []string{"a", "b", "c"}, attempted: 3, want: SpawnError},
		{name: "empty list", commands: nil, attempted: 0, want: Succeeded},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			runner := &scriptedRunner{verdicts: tc.verdicts}
			pipeline := NewPipeline(runner, mustGuard(t), PipelineOptions{}, testLogger())

			report := pipeline.RunAll(context.Background(), commandsOf(tc.commands...), "", time.Second)

			require.Equal(t, tc.want, report.Classification)
			require.Equal(t, tc.attempted, report.Attempted())
			require.Equal(t, len(tc.commands), report.Requested)
			require.Equal(t, len(tc.commands)-tc.attempted, report.Skipped())
			require.Len(t, runner.ran(), tc.attempted)
			require.False(t, report.Partial)
		})
	}
}

func TestRunAllPartialSuccessPolicy(t *testing.T) {
	runner := &scriptedRunner{verdicts: map[string]Classification{"b": Failed}}
	pipeline := NewPipeline(runner, mustGuard(t), PipelineOptions{PartialSuccess: true}, testLogger())

	report := pipeline.RunAll(context.Background(), commandsOf("a", "b", "c"), "", time.Second)
	require.Equal(t, Succeeded, report.Classification)
	require.True(t, report.Partial)
	require.Equal(t, 2, report.Attempted())

	failure, ok := report.FirstFailure()
	require.True(t, ok)
	require.Equal(t, "b", failure.Command)

	runner = &scriptedRunner{verdicts: map[string]Classification{"a": Failed}}
	pipeline = NewPipeline(runner, mustGuard(t), PipelineOptions{PartialSuccess: true}, testLogger())
	report = pipeline.RunAll(context.Background(), commandsOf("a", "b"), "", time.Second)
	require.Equal(t, Failed, report.Classification)
	require.False(t, report.Partial)
}

func TestRunAllResolvesCommandDirectories(t *testing.T) {
	guard := mustGuard(t)
	require.NoError(t, os.Mkdir(filepath.Join(guard.Root(), "sub"), 0o755))
	runner := &scriptedRunner{}
	pipeline := NewPipeline(runner, guard, PipelineOptions{}, testLogger())

	report := pipeline.RunAll(context.Background(), []Command{
		{Text: "pwd"},
		{Text: "pwd", Dir: "sub"},
		{Text: "pwd", Dir: "../outside"},
		{Text: "never"},
	}, "", time.Second)

	require.Equal(t, SpawnError, report.Classification)
	require.Equal(t, 3, report.Attempted())
	require.Equal(t, []string{guard.Root(), filepath.Join(guard.Root(), "sub")}, runner.dirs)
	require.NotEmpty(t, report.Outcomes[2].Err)
}

func TestRunAllResolvesOverridesAgainstWorkingDir(t *testing.T) {
	guard := mustGuard(t)
	base := filepath.Join(guard.Root(), "project")
	require.NoError(t, os.MkdirAll(filepath.Join(base, "sub"), 0o755))
	runner := &scriptedRunner{}
	pipeline := NewPipeline(runner, guard, PipelineOptions{}, testLogger())

	report := pipeline.RunAll(context.Background(), []Command{
		{Text: "pwd"},
		{Text: "pwd", Dir: "sub"},
	}, base, time.Second)

	require.Equal(t, Succeeded, report.Classification)
	require.Equal(t, []string{base, filepath.Join(base, "sub")}, runner.dirs)
	require.Equal(t, "project", report.Outcomes[0].Dir)
	require.Equal(t, filepath.Join("project", "sub"), report.Outcomes[1].Dir)
}

func TestRunAllSerializesAcrossCallers(t *testing.T) {
	runner := &scriptedRunner{delay: 20 * time.Millisecond}
	pipeline := NewPipeline(runner, mustGuard(t), PipelineOptions{}, testLogger())

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			pipeline.RunAll(context.Background(), commandsOf("x", "y"), "", time.Second)
		}()
	}
	wg.Wait()

	require.Len(t, runner.ran(), 8)
	require.Equal(t, 1, runner.maxSeen)
}

func TestRunAllCanceledWhileWaiting(t *testing.T) {
	runner := &scriptedRunner{delay: 300 * time.Millisecond}
	pipeline := NewPipeline(runner, mustGuard(t), PipelineOptions{}, testLogger())

	done := make(chan struct{})
	go func() {
		defer close(done)
		pipeline.RunAll(context.Background(), commandsOf("slow"), "", time.Second)
	}()
	time.Sleep(50 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	report := pipeline.RunAll(ctx, commandsOf("queued"), "", time.Second)

	require.Equal(t, Failed, report.Classification)
	require.Zero(t, report.Attempted())
	require.Contains(t, report.Err, "canceled")
	<-done
}

func TestRunAllRealCommandsStopOnFailure(t *testing.T) {
	guard := mustGuard(t)
	target := filepath.Join(guard.Root(), "x")
	pipeline := NewPipeline(NewRunner(RunnerOptions{}, testLogger()), guard, PipelineOptions{}, testLogger())

	report := pipeline.RunAll(context.Background(), commandsOf(
		"mkdir "+target,
		"false",
		"rm -rf "+target,
	), "", 5*time.Second)

	require.Equal(t, Failed, report.Classification)
	require.Equal(t, 2, report.Attempted())
	require.Equal(t, Succeeded, report.Outcomes[0].Classification)
	require.Equal(t, Failed, report.Outcomes[1].Classification)

	info, err := os.Stat(target)
	require.NoError(t, err, "third command must not have run")
	require.True(t, info.IsDir())
}

func TestRunAllReprocessingProducesIndependentReports(t *testing.T) {
	pipeline := NewPipeline(NewRunner(RunnerOptions{}, testLogger()), mustGuard(t), PipelineOptions{}, testLogger())
	commands := commandsOf("echo once")

	first := pipeline.RunAll(context.Background(), commands, "", 5*time.Second)
	second := pipeline.RunAll(context.Background(), commands, "", 5*time.Second)

	require.Len(t, first.Outcomes, 1)
	require.Len(t, second.Outcomes, 1)
	require.Equal(t, first.Outcomes[0].Stdout, second.Outcomes[0].Stdout)
	first.Outcomes[0].Stdout = "mutated"
	require.Equal(t, "once\n", second.Outcomes[0].Stdout)
}
