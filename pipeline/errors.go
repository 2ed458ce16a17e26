package pipeline

import (
	"errors"
	"fmt"
)

var (
	// ErrCancelled is reported when the run context is cancelled between steps.
	ErrCancelled = errors.New("pipeline run cancelled")
	// ErrNoProvisioner is reported when a stage or step needs an environment
	// but the executor has no Provisioner.
	ErrNoProvisioner = errors.New("no environment provisioner configured")
	// ErrUnknownField is returned by guards that reference a context field
	// the RunContext does not have. Evaluate turns it into false.
	ErrUnknownField = errors.New("unknown context field")
	// ErrActionPanicked wraps a panic recovered from a step action.
	ErrActionPanicked = errors.New("action panicked")
)

// GuardEvaluationError reports a guard that could not be evaluated. The
// stage is skipped; the run continues.
type GuardEvaluationError struct {
	Stage string
	Guard string
	Err   error
}

func (e *GuardEvaluationError) Error() string {
	if e.Stage == "" {
		return fmt.Sprintf("guard %s: %v", e.Guard, e.Err)
	}
	return fmt.Sprintf("stage %q: guard %s: %v", e.Stage, e.Guard, e.Err)
}

func (e *GuardEvaluationError) Unwrap() error { return e.Err }

// EnvironmentAcquisitionError reports a failure to acquire the environment a
// stage or step asked for. It fails the stage.
type EnvironmentAcquisitionError struct {
	Stage string
	// Step is set when the failing environment was a step-level override.
	Step  string
	Image string
	Err   error
}

func (e *EnvironmentAcquisitionError) Error() string {
	if e.Step != "" {
		return fmt.Sprintf("stage %q step %q: acquire environment %q: %v", e.Stage, e.Step, e.Image, e.Err)
	}
	return fmt.Sprintf("stage %q: acquire environment %q: %v", e.Stage, e.Image, e.Err)
}

func (e *EnvironmentAcquisitionError) Unwrap() error { return e.Err }

// StepExecutionError reports a failing step action. It fails the stage and
// aborts the pipeline.
type StepExecutionError struct {
	Stage string
	Step  string
	Err   error
}

func (e *StepExecutionError) Error() string {
	return fmt.Sprintf("stage %q step %q: %v", e.Stage, e.Step, e.Err)
}

func (e *StepExecutionError) Unwrap() error { return e.Err }

// PostHookError reports a failing post-hook step. It is recorded on the
// RunResult and never changes the outcome.
type PostHookError struct {
	Kind HookKind
	Step string
	Err  error
}

func (e *PostHookError) Error() string {
	return fmt.Sprintf("post %s step %q: %v", e.Kind, e.Step, e.Err)
}

func (e *PostHookError) Unwrap() error { return e.Err }
