package pipeline

import (
	"context"
	"time"
)

// Action is the external work a Step wraps. The returned output is recorded
// in the RunContext under the step's name; a non-nil error fails the step.
type Action interface {
	Run(ctx context.Context, rc *RunContext) (string, error)
}

// ActionFunc adapts an ordinary function to the Action interface.
type ActionFunc func(ctx context.Context, rc *RunContext) (string, error)

// Run calls f(ctx, rc).
func (f ActionFunc) Run(ctx context.Context, rc *RunContext) (string, error) {
	return f(ctx, rc)
}

// Step is the smallest unit of work in a pipeline.
type Step struct {
	Name   string
	Action Action
	// Environment, when set, is acquired around this step only and nests
	// inside the stage's environment.
	Environment *Environment
	// Timeout bounds the action. Zero means no limit.
	Timeout time.Duration
}
