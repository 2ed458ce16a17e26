package pipeline

import "time"

// Outcome is the overall result of a run.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
)

// Status is the result of a single stage or step.
type Status string

const (
	StatusSuccess Status = "success"
	StatusSkipped Status = "skipped"
	StatusFailed  Status = "failed"
)

// Reasons attached to skipped or failed stages.
const (
	ReasonGuard     = "guard"
	ReasonAborted   = "aborted"
	ReasonCancelled = "cancelled"
)

// StepResult records one step execution.
type StepResult struct {
	Name     string
	Status   Status
	Output   string
	Err      error
	Duration time.Duration
}

// StageResult records one stage.
type StageResult struct {
	Name   string
	Status Status
	// Reason explains a skip ("guard", "aborted") or a cancellation.
	Reason string
	Steps  []StepResult
	Err    error
	// ReleaseErr holds a failed environment release. It does not affect Status.
	ReleaseErr error
	Duration   time.Duration
}

// HookResult records one post-hook step.
type HookResult struct {
	Kind HookKind
	Step StepResult
	// Err is a *PostHookError when the hook step failed.
	Err error
}

// RunResult is the final record of a pipeline run. The executor returns it
// once and does not touch it afterwards.
type RunResult struct {
	RunID       string
	Pipeline    string
	Branch      string
	Commit      string
	BuildNumber int
	Outcome     Outcome
	Stages      []StageResult
	Hooks       []HookResult
	// Err is the first failure, nil on success.
	Err        error
	StartedAt  time.Time
	FinishedAt time.Time
}

// Succeeded reports whether the run finished with OutcomeSuccess.
func (r *RunResult) Succeeded() bool {
	return r.Outcome == OutcomeSuccess
}

// ExitCode maps the outcome to a process exit status.
func (r *RunResult) ExitCode() int {
	if r.Succeeded() {
		return 0
	}
	return 1
}

// Duration is the wall time of the run, hooks included.
func (r *RunResult) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}

// Stage returns the result for the named stage.
func (r *RunResult) Stage(name string) (StageResult, bool) {
	for _, s := range r.Stages {
		if s.Name == name {
			return s, true
		}
	}
	return StageResult{}, false
}

// StageStatuses returns the stage statuses in declaration order.
func (r *RunResult) StageStatuses() []Status {
	out := make([]Status, len(r.Stages))
	for i, s := range r.Stages {
		out[i] = s.Status
	}
	return out
}

// HookErrors returns the errors of failed post-hook steps.
func (r *RunResult) HookErrors() []error {
	var errs []error
	for _, h := range r.Hooks {
		if h.Err != nil {
			errs = append(errs, h.Err)
		}
	}
	return errs
}
