// Package steps provides the built-in step types a pipeline definition can
// reference and the registry that turns step definitions into actions.
package steps

import (
	"fmt"
	"io"
	"log/slog"
	"maps"
	"slices"
	"sync"

	"github.com/GoCodeAlone/stageflow/notify"
	"github.com/GoCodeAlone/stageflow/pipeline"
)

// Deps are the shared collaborators handed to every step factory.
type Deps struct {
	Logger *slog.Logger
	// Publisher delivers notify step events. Nil disables notify steps at
	// run time.
	Publisher notify.Publisher
	// Stdout and Stderr receive command output as it is produced.
	Stdout io.Writer
	Stderr io.Writer
}

func (d Deps) withDefaults() Deps {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.Stdout == nil {
		d.Stdout = io.Discard
	}
	if d.Stderr == nil {
		d.Stderr = io.Discard
	}
	return d
}

// Factory creates an action for a named step from its config map.
type Factory func(name string, cfg map[string]any, deps Deps) (pipeline.Action, error)

// Registry maps step types to factories. It implements config.ActionFactory.
type Registry struct {
	mu        sync.RWMutex
	deps      Deps
	factories map[string]Factory
}

// NewRegistry returns an empty registry.
func NewRegistry(deps Deps) *Registry {
	return &Registry{
		deps:      deps.withDefaults(),
		factories: make(map[string]Factory),
	}
}

// DefaultRegistry returns a registry with every built-in step type.
func DefaultRegistry(deps Deps) *Registry {
	r := NewRegistry(deps)
	r.Register("shell", newShellStep)
	r.Register("git_checkout", newGitCheckoutStep)
	r.Register("docker_build", newDockerBuildStep)
	r.Register("docker_push", newDockerPushStep)
	r.Register("log", newLogStep)
	r.Register("notify", newNotifyStep)
	return r
}

// Register adds or replaces the factory for stepType.
func (r *Registry) Register(stepType string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[stepType] = f
}

// NewAction builds the action for a step.
func (r *Registry) NewAction(stepType, name string, cfg map[string]any) (pipeline.Action, error) {
	r.mu.RLock()
	f, ok := r.factories[stepType]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown step type %q", stepType)
	}
	if cfg == nil {
		cfg = map[string]any{}
	}
	return f(name, cfg, r.deps)
}

// Types returns the registered step types in sorted order.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Sorted(maps.Keys(r.factories))
}
