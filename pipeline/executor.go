package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/GoCodeAlone/stageflow/observability/tracing"
)

// DefaultReleaseTimeout bounds a single environment release.
const DefaultReleaseTimeout = 30 * time.Second

// Observer is notified as a run progresses. Callbacks run synchronously on
// the executor's goroutine with a context that is not cancelled by the run's
// cancellation.
type Observer interface {
	RunStarted(ctx context.Context, rc *RunContext)
	StageFinished(ctx context.Context, rc *RunContext, stage StageResult)
	RunFinished(ctx context.Context, result *RunResult)
}

// Option configures an Executor.
type Option func(*Executor)

// WithProvisioner sets the Provisioner used for stage and step environments.
func WithProvisioner(p Provisioner) Option {
	return func(e *Executor) { e.provisioner = p }
}

// WithLogger sets the executor's logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Executor) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithTracer sets the tracer used for run, stage, step and hook spans.
func WithTracer(t trace.Tracer) Option {
	return func(e *Executor) { e.tracer = tracing.NewRunTracer(t) }
}

// WithObserver registers an Observer. It may be given more than once.
func WithObserver(o Observer) Option {
	return func(e *Executor) {
		if o != nil {
			e.observers = append(e.observers, o)
		}
	}
}

// WithReleaseTimeout overrides DefaultReleaseTimeout.
func WithReleaseTimeout(d time.Duration) Option {
	return func(e *Executor) {
		if d > 0 {
			e.releaseTimeout = d
		}
	}
}

// Executor drives pipelines to completion. An Executor holds no per-run
// state and may run several pipelines one after another.
type Executor struct {
	provisioner    Provisioner
	logger         *slog.Logger
	tracer         *tracing.RunTracer
	observers      []Observer
	releaseTimeout time.Duration
}

// NewExecutor creates an Executor.
func NewExecutor(opts ...Option) *Executor {
	e := &Executor{
		logger:         slog.Default(),
		tracer:         tracing.NewRunTracer(nil),
		releaseTimeout: DefaultReleaseTimeout,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Run executes p against a fresh copy of initial and returns the result.
//
// Stages run in declaration order. The first failing step aborts the rest of
// the run. Post-hooks always run afterwards, exactly once, on a context that
// ignores ctx's cancellation. initial is never modified, so running the same
// pipeline twice with the same context yields the same stage outcomes for
// deterministic actions.
func (e *Executor) Run(ctx context.Context, p *Pipeline, initial *RunContext) *RunResult {
	rc := initial.fork(p)
	res := &RunResult{
		RunID:       rc.RunID(),
		Pipeline:    p.Name,
		Branch:      rc.Branch(),
		Commit:      rc.Commit(),
		BuildNumber: rc.BuildNumber(),
		StartedAt:   time.Now(),
	}

	ctx, span := e.tracer.StartRun(ctx, p.Name, rc.RunID(), rc.Branch())
	defer span.End()
	observeCtx := context.WithoutCancel(ctx)

	e.logger.Info("Pipeline started", "pipeline", p.Name, "run_id", rc.RunID(),
		"branch", rc.Branch(), "stages", len(p.Stages))
	for _, o := range e.observers {
		o.RunStarted(observeCtx, rc)
	}

	for _, stage := range p.Stages {
		var sr StageResult
		switch {
		case res.Err != nil:
			sr = StageResult{Name: stage.Name, Status: StatusSkipped, Reason: ReasonAborted}
		case ctx.Err() != nil:
			res.Err = fmt.Errorf("%w before stage %q: %w", ErrCancelled, stage.Name, ctx.Err())
			sr = StageResult{Name: stage.Name, Status: StatusSkipped, Reason: ReasonCancelled}
			e.logger.Warn("Pipeline cancelled", "pipeline", p.Name, "stage", stage.Name)
		default:
			sr = e.runStage(ctx, p, stage, rc)
			if sr.Status == StatusFailed {
				res.Err = sr.Err
			}
		}
		res.Stages = append(res.Stages, sr)
		for _, o := range e.observers {
			o.StageFinished(observeCtx, rc, sr)
		}
	}

	res.Outcome = OutcomeSuccess
	if res.Err != nil {
		res.Outcome = OutcomeFailure
		e.tracer.RecordError(span, res.Err)
	} else {
		e.tracer.SetSuccess(span)
	}
	rc.setStatus(res.Outcome)

	res.Hooks = e.runHooks(observeCtx, p, rc, res.Outcome)
	res.FinishedAt = time.Now()

	if res.Err != nil {
		e.logger.Error("Pipeline failed", "pipeline", p.Name, "run_id", rc.RunID(),
			"error", res.Err, "elapsed", res.Duration())
	} else {
		e.logger.Info("Pipeline completed", "pipeline", p.Name, "run_id", rc.RunID(),
			"elapsed", res.Duration())
	}
	for _, o := range e.observers {
		o.RunFinished(observeCtx, res)
	}
	return res
}

// runStage evaluates the stage guard, scopes the stage environment around the
// steps and runs them in order.
func (e *Executor) runStage(ctx context.Context, p *Pipeline, stage Stage, rc *RunContext) (sr StageResult) {
	start := time.Now()
	sr.Name = stage.Name
	defer func() { sr.Duration = time.Since(start) }()

	eligible, err := Evaluate(stage.Guard, rc)
	if err != nil {
		var gerr *GuardEvaluationError
		if errors.As(err, &gerr) {
			gerr.Stage = stage.Name
		}
		e.logger.Warn("Stage guard evaluation failed", "pipeline", p.Name, "stage", stage.Name, "error", err)
	}
	if !eligible {
		e.logger.Info("Stage skipped", "pipeline", p.Name, "stage", stage.Name, "guard", stage.Guard.String())
		sr.Status = StatusSkipped
		sr.Reason = ReasonGuard
		sr.Err = err
		return sr
	}

	ctx, span := e.tracer.StartStage(ctx, stage.Name)
	defer span.End()
	e.logger.Info("Stage started", "pipeline", p.Name, "stage", stage.Name, "steps", len(stage.Steps))

	env := stage.Environment
	if env == nil {
		env = p.Environment
	}
	if env != nil {
		h, err := e.acquire(ctx, *env)
		if err != nil {
			sr.Status = StatusFailed
			sr.Err = &EnvironmentAcquisitionError{Stage: stage.Name, Image: env.Image, Err: err}
			for _, step := range stage.Steps {
				sr.Steps = append(sr.Steps, StepResult{Name: step.Name, Status: StatusSkipped})
			}
			e.logger.Error("Stage failed", "pipeline", p.Name, "stage", stage.Name, "error", sr.Err)
			e.tracer.RecordError(span, sr.Err)
			return sr
		}
		defer func() {
			sr.ReleaseErr = errors.Join(sr.ReleaseErr, e.release(ctx, h))
		}()
		ctx = WithHandle(ctx, h)
	}

	for i, step := range stage.Steps {
		if sr.Err != nil {
			sr.Steps = append(sr.Steps, StepResult{Name: step.Name, Status: StatusSkipped})
			continue
		}
		if ctx.Err() != nil {
			sr.Err = fmt.Errorf("%w before step %q: %w", ErrCancelled, step.Name, ctx.Err())
			sr.Reason = ReasonCancelled
			sr.Steps = append(sr.Steps, StepResult{Name: step.Name, Status: StatusSkipped})
			continue
		}
		res, relErr := e.runStep(ctx, stage.Name, i, step, rc)
		sr.Steps = append(sr.Steps, res)
		sr.ReleaseErr = errors.Join(sr.ReleaseErr, relErr)
		if res.Err != nil {
			sr.Err = res.Err
		}
	}

	if sr.Err != nil {
		sr.Status = StatusFailed
		e.logger.Error("Stage failed", "pipeline", p.Name, "stage", stage.Name, "error", sr.Err)
		e.tracer.RecordError(span, sr.Err)
		return sr
	}
	sr.Status = StatusSuccess
	e.logger.Info("Stage completed", "pipeline", p.Name, "stage", stage.Name, "elapsed", time.Since(start))
	e.tracer.SetSuccess(span)
	return sr
}

func (e *Executor) runStep(ctx context.Context, stage string, index int, step Step, rc *RunContext) (StepResult, error) {
	ctx, span := e.tracer.StartStep(ctx, stage, step.Name)
	defer span.End()

	e.logger.Info("Step started", "pipeline", rc.Pipeline(), "stage", stage, "step", step.Name, "index", index)
	start := time.Now()
	out, relErr, err := e.invoke(ctx, stage, step, rc)
	res := StepResult{Name: step.Name, Output: out, Duration: time.Since(start)}

	if err != nil {
		var acqErr *EnvironmentAcquisitionError
		if !errors.As(err, &acqErr) {
			err = &StepExecutionError{Stage: stage, Step: step.Name, Err: err}
		}
		res.Status = StatusFailed
		res.Err = err
		e.logger.Error("Step failed", "pipeline", rc.Pipeline(), "stage", stage, "step", step.Name,
			"error", err, "elapsed", res.Duration)
		e.tracer.RecordError(span, err)
		return res, relErr
	}

	rc.recordOutput(step.Name, out)
	res.Status = StatusSuccess
	e.logger.Info("Step completed", "pipeline", rc.Pipeline(), "stage", stage, "step", step.Name,
		"elapsed", res.Duration)
	e.tracer.SetSuccess(span)
	return res, relErr
}

// invoke runs the step action, inside the step's own environment when it
// declares one. The environment is released before invoke returns; a release
// failure is returned separately from the action's error.
func (e *Executor) invoke(ctx context.Context, scope string, step Step, rc *RunContext) (out string, releaseErr, err error) {
	if step.Environment != nil {
		h, err := e.acquire(ctx, *step.Environment)
		if err != nil {
			return "", nil, &EnvironmentAcquisitionError{Stage: scope, Step: step.Name, Image: step.Environment.Image, Err: err}
		}
		defer func() { releaseErr = e.release(ctx, h) }()
		ctx = WithHandle(ctx, h)
	}
	if step.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, step.Timeout)
		defer cancel()
	}
	out, err = runAction(ctx, step.Action, rc)
	return out, nil, err
}

// runAction calls a.Run, turning a panic into an error so the run still
// reaches its post hooks.
func runAction(ctx context.Context, a Action, rc *RunContext) (out string, err error) {
	defer func() {
		if r := recover(); r != nil {
			out, err = "", fmt.Errorf("%w: %v", ErrActionPanicked, r)
		}
	}()
	return a.Run(ctx, rc)
}

// runHooks dispatches the always hooks followed by the hooks for outcome.
// Every hook step is attempted; failures are recorded and nothing else.
func (e *Executor) runHooks(ctx context.Context, p *Pipeline, rc *RunContext, outcome Outcome) []HookResult {
	kinds := []HookKind{HookAlways, HookOnSuccess}
	if outcome == OutcomeFailure {
		kinds[1] = HookOnFailure
	}

	var results []HookResult
	for _, kind := range kinds {
		steps := p.Post[kind]
		if len(steps) == 0 {
			continue
		}
		e.logger.Info("Running post hooks", "pipeline", p.Name, "kind", kind, "steps", len(steps))
		for _, step := range steps {
			results = append(results, e.runHook(ctx, kind, step, rc))
		}
	}
	return results
}

func (e *Executor) runHook(ctx context.Context, kind HookKind, step Step, rc *RunContext) HookResult {
	ctx, span := e.tracer.StartHook(ctx, string(kind), step.Name)
	defer span.End()

	start := time.Now()
	out, relErr, err := e.invoke(ctx, "post "+string(kind), step, rc)
	hr := HookResult{
		Kind: kind,
		Step: StepResult{Name: step.Name, Output: out, Duration: time.Since(start)},
	}
	if relErr != nil {
		e.logger.Warn("Post hook environment release failed", "kind", kind, "step", step.Name, "error", relErr)
	}
	if err != nil {
		hr.Err = &PostHookError{Kind: kind, Step: step.Name, Err: err}
		hr.Step.Status = StatusFailed
		hr.Step.Err = err
		e.logger.Error("Post hook failed", "pipeline", rc.Pipeline(), "kind", kind, "step", step.Name, "error", err)
		e.tracer.RecordError(span, hr.Err)
		return hr
	}
	rc.recordOutput(step.Name, out)
	hr.Step.Status = StatusSuccess
	e.tracer.SetSuccess(span)
	return hr
}

func (e *Executor) acquire(ctx context.Context, env Environment) (Handle, error) {
	if e.provisioner == nil {
		return nil, ErrNoProvisioner
	}
	h, err := e.provisioner.Acquire(ctx, env)
	if err != nil {
		return nil, err
	}
	e.logger.Debug("Environment acquired", "image", env.Image, "id", h.ID())
	return h, nil
}

// release tears down h on a context detached from cancellation and bounded
// by the release timeout. It is called exactly once per acquired handle.
func (e *Executor) release(ctx context.Context, h Handle) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.releaseTimeout)
	defer cancel()
	if err := e.provisioner.Release(ctx, h); err != nil {
		e.logger.Warn("Environment release failed", "image", h.Environment().Image, "id", h.ID(), "error", err)
		return fmt.Errorf("release environment %q: %w", h.Environment().Image, err)
	}
	e.logger.Debug("Environment released", "image", h.Environment().Image, "id", h.ID())
	return nil
}
