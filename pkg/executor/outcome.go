package executor

import "time"

// Classification is the final verdict for one command or a whole report.
type Classification string

const (
	Succeeded  Classification = "succeeded"
	Failed     Classification = "failed"
	TimedOut   Classification = "timed_out"
	SpawnError Classification = "spawn_error"
)

// Command is one shell command line with optional per-command overrides.
type Command struct {
	Text        string
	Description string
	// Timeout overrides the pipeline deadline when positive.
	Timeout time.Duration
	// Dir is resolved against the pipeline working directory when set.
	Dir string
}

// Outcome is the immutable record of one attempted command. Dir is
// root-relative ("." for the root) when the pipeline has a guard.
type Outcome struct {
	Command         string
	Description     string
	Dir             string
	ExitCode        int
	Stdout          string
	Stderr          string
	StdoutTruncated bool
	StderrTruncated bool
	Duration        time.Duration
	Classification  Classification
	Err             string
}

func (o Outcome) Succeeded() bool {
	return o.Classification == Succeeded
}

// Report is the ordered prefix of attempted outcomes for one command list.
type Report struct {
	Outcomes       []Outcome
	Requested      int
	Classification Classification
	// Partial marks a report whose failure followed at least one success and
	// whose overall classification was relaxed to Succeeded.
	Partial bool
	Err     string
}

// Attempted is the number of commands that were started or tried.
func (r Report) Attempted() int {
	return len(r.Outcomes)
}

// Skipped is the number of requested commands that never ran.
func (r Report) Skipped() int {
	return r.Requested - len(r.Outcomes)
}

// FirstFailure returns the outcome that stopped the pipeline, if any.
func (r Report) FirstFailure() (Outcome, bool) {
	for _, outcome := range r.Outcomes {
		if !outcome.Succeeded() {
			return outcome, true
		}
	}
	return Outcome{}, false
}
