// Package pipeline is the stage-based execution engine behind stageflow.
//
// A Pipeline is an ordered list of Stages. Each Stage holds ordered Steps, an
// optional Guard that decides whether the stage runs for a given RunContext,
// and an optional Environment the steps run inside. The Executor runs stages
// strictly in declaration order, stops at the first failing step, and always
// dispatches post-hooks once the stages are done: first the "always" hooks,
// then either "on_success" or "on_failure".
//
// Environments are acquired through a Provisioner before a stage's first step
// and released once its last step finishes or fails. Actions reach the active
// environment with HandleFromContext.
package pipeline
