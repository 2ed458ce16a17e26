package pipeline

import (
	"errors"
	"fmt"
)

// HookKind names a post-hook sequence.
type HookKind string

const (
	HookAlways    HookKind = "always"
	HookOnSuccess HookKind = "on_success"
	HookOnFailure HookKind = "on_failure"
)

// Stage is a named, optionally guarded group of steps.
type Stage struct {
	Name  string
	Guard Guard
	// Environment overrides the pipeline's default environment for this stage.
	Environment *Environment
	Steps       []Step
}

// Pipeline is a top-level pipeline definition. The executor never modifies it.
type Pipeline struct {
	Name string
	// Environment is the default environment for stages that do not declare one.
	Environment *Environment
	// Env holds default environment variables. Values supplied by the caller's
	// RunContext take precedence.
	Env    map[string]string
	Stages []Stage
	Post   map[HookKind][]Step
}

// Validate checks the structural rules the executor relies on: named stages
// and steps, unique stage names, and an action on every step.
func (p *Pipeline) Validate() error {
	if p == nil {
		return errors.New("pipeline is nil")
	}
	var errs []error
	seen := make(map[string]bool, len(p.Stages))
	for i, stage := range p.Stages {
		if stage.Name == "" {
			errs = append(errs, fmt.Errorf("stage %d: name is required", i))
			continue
		}
		if seen[stage.Name] {
			errs = append(errs, fmt.Errorf("stage %q: duplicate name", stage.Name))
		}
		seen[stage.Name] = true
		if len(stage.Steps) == 0 {
			errs = append(errs, fmt.Errorf("stage %q: at least one step is required", stage.Name))
		}
		for j, step := range stage.Steps {
			if err := validateStep(step); err != nil {
				errs = append(errs, fmt.Errorf("stage %q step %d: %w", stage.Name, j, err))
			}
		}
	}
	for kind, steps := range p.Post {
		switch kind {
		case HookAlways, HookOnSuccess, HookOnFailure:
		default:
			errs = append(errs, fmt.Errorf("post: unknown hook kind %q", kind))
		}
		for j, step := range steps {
			if err := validateStep(step); err != nil {
				errs = append(errs, fmt.Errorf("post %s step %d: %w", kind, j, err))
			}
		}
	}
	return errors.Join(errs...)
}

func validateStep(s Step) error {
	if s.Name == "" {
		return errors.New("name is required")
	}
	if s.Action == nil {
		return fmt.Errorf("step %q: action is required", s.Name)
	}
	if s.Environment != nil && s.Environment.Image == "" {
		return fmt.Errorf("step %q: environment image is required", s.Name)
	}
	return nil
}
