package config

import (
	"errors"
	"fmt"
	"maps"
	"time"

	"github.com/docker/go-units"

	"github.com/GoCodeAlone/stageflow/pipeline"
)

// ActionFactory creates the action for a step of the given type.
type ActionFactory interface {
	NewAction(stepType, name string, cfg map[string]any) (pipeline.Action, error)
}

// Build validates cfg and turns it into an executable pipeline. Guard
// expressions are compiled and every step action is constructed, so errors
// in the definition surface here rather than mid-run.
func Build(cfg *PipelineConfig, factory ActionFactory) (*pipeline.Pipeline, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid pipeline %q: %w", cfg.Name, err)
	}

	p := &pipeline.Pipeline{
		Name:        cfg.Name,
		Environment: buildEnvironment(cfg.Environment),
		Env:         maps.Clone(cfg.Env),
		Post:        make(map[pipeline.HookKind][]pipeline.Step),
	}

	var errs []error
	for _, sc := range cfg.Stages {
		stage := pipeline.Stage{
			Name:        sc.Name,
			Environment: buildEnvironment(sc.Environment),
		}
		if sc.When != nil {
			g, err := BuildGuard(sc.When)
			if err != nil {
				errs = append(errs, fmt.Errorf("stage %q: when: %w", sc.Name, err))
			}
			stage.Guard = g
		}
		steps, err := buildSteps(sc.Steps, factory)
		if err != nil {
			errs = append(errs, fmt.Errorf("stage %q: %w", sc.Name, err))
		}
		stage.Steps = steps
		p.Stages = append(p.Stages, stage)
	}

	hooks := []struct {
		kind  pipeline.HookKind
		steps []StepConfig
	}{
		{pipeline.HookAlways, cfg.Post.Always},
		{pipeline.HookOnSuccess, cfg.Post.OnSuccess},
		{pipeline.HookOnFailure, cfg.Post.OnFailure},
	}
	for _, h := range hooks {
		if len(h.steps) == 0 {
			continue
		}
		steps, err := buildSteps(h.steps, factory)
		if err != nil {
			errs = append(errs, fmt.Errorf("post %s: %w", h.kind, err))
		}
		p.Post[h.kind] = steps
	}

	if err := errors.Join(errs...); err != nil {
		return nil, fmt.Errorf("build pipeline %q: %w", cfg.Name, err)
	}
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("build pipeline %q: %w", cfg.Name, err)
	}
	return p, nil
}

func buildSteps(cfgs []StepConfig, factory ActionFactory) ([]pipeline.Step, error) {
	var errs []error
	steps := make([]pipeline.Step, 0, len(cfgs))
	for _, sc := range cfgs {
		stepCfg := sc.Config
		if sc.Run != "" {
			stepCfg = maps.Clone(sc.Config)
			if stepCfg == nil {
				stepCfg = make(map[string]any, 1)
			}
			stepCfg["script"] = sc.Run
		}
		action, err := factory.NewAction(sc.StepType(), sc.Name, stepCfg)
		if err != nil {
			errs = append(errs, fmt.Errorf("step %q: %w", sc.Name, err))
			continue
		}
		var timeout time.Duration
		if sc.Timeout != "" {
			timeout, _ = time.ParseDuration(sc.Timeout)
		}
		steps = append(steps, pipeline.Step{
			Name:        sc.Name,
			Action:      action,
			Environment: buildEnvironment(sc.Environment),
			Timeout:     timeout,
		})
	}
	return steps, errors.Join(errs...)
}

func buildEnvironment(ec *EnvironmentConfig) *pipeline.Environment {
	if ec == nil {
		return nil
	}
	env := &pipeline.Environment{
		Image:       ec.Image,
		WorkDir:     ec.WorkDir,
		Env:         maps.Clone(ec.Env),
		NetworkMode: ec.Network,
		CPULimit:    ec.CPUs,
	}
	if ec.Memory != "" {
		env.MemoryLimit, _ = units.RAMInBytes(ec.Memory)
	}
	for _, m := range ec.Mounts {
		env.Mounts = append(env.Mounts, pipeline.Mount{Source: m.Source, Target: m.Target, ReadOnly: m.ReadOnly})
	}
	return env
}

// BuildGuard converts a guard definition into a pipeline.Guard.
func BuildGuard(gc *GuardConfig) (pipeline.Guard, error) {
	if err := gc.validate(); err != nil {
		return nil, err
	}
	switch {
	case gc.Branch != "":
		return pipeline.BranchGuard{Pattern: gc.Branch}, nil
	case gc.Expr != "":
		g, err := pipeline.NewExprGuard(gc.Expr)
		if err != nil {
			return nil, err
		}
		return g, nil
	case gc.Env != nil:
		return pipeline.EnvGuard{Name: gc.Env.Name, Value: gc.Env.Value}, nil
	case len(gc.AllOf) > 0:
		gs, err := buildGuards(gc.AllOf)
		return pipeline.AllOf(gs), err
	case len(gc.AnyOf) > 0:
		gs, err := buildGuards(gc.AnyOf)
		return pipeline.AnyOf(gs), err
	default:
		inner, err := BuildGuard(gc.Not)
		if err != nil {
			return nil, err
		}
		return pipeline.Not{Guard: inner}, nil
	}
}

func buildGuards(cfgs []GuardConfig) ([]pipeline.Guard, error) {
	out := make([]pipeline.Guard, 0, len(cfgs))
	for i := range cfgs {
		g, err := BuildGuard(&cfgs[i])
		if err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	return out, nil
}
