package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path"
	"strings"
	"time"

	"github.com/docker/go-units"
	"gopkg.in/yaml.v3"
)

// PipelineConfig is the YAML form of a pipeline definition.
type PipelineConfig struct {
	Name        string             `json:"name" yaml:"name"`
	Description string             `json:"description,omitempty" yaml:"description,omitempty"`
	Environment *EnvironmentConfig `json:"environment,omitempty" yaml:"environment,omitempty"`
	Env         map[string]string  `json:"env,omitempty" yaml:"env,omitempty"`
	Stages      []StageConfig      `json:"stages" yaml:"stages"`
	Post        PostConfig         `json:"post,omitempty" yaml:"post,omitempty"`
}

// EnvironmentConfig describes the container a stage or step runs in. It may
// be written as a bare image string.
type EnvironmentConfig struct {
	Image   string            `json:"image" yaml:"image"`
	WorkDir string            `json:"workdir,omitempty" yaml:"workdir,omitempty"`
	Env     map[string]string `json:"env,omitempty" yaml:"env,omitempty"`
	Mounts  []MountConfig     `json:"mounts,omitempty" yaml:"mounts,omitempty"`
	Network string            `json:"network,omitempty" yaml:"network,omitempty"`
	// Memory is a human-readable size such as "512m" or "2g".
	Memory string  `json:"memory,omitempty" yaml:"memory,omitempty"`
	CPUs   float64 `json:"cpus,omitempty" yaml:"cpus,omitempty"`
}

// UnmarshalYAML accepts either a mapping or a plain image name.
func (e *EnvironmentConfig) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind == yaml.ScalarNode {
		e.Image = value.Value
		return nil
	}
	type plain EnvironmentConfig
	return value.Decode((*plain)(e))
}

// MountConfig is a bind mount, written "source:target[:ro]" or as a mapping.
type MountConfig struct {
	Source   string `json:"source" yaml:"source"`
	Target   string `json:"target" yaml:"target"`
	ReadOnly bool   `json:"readonly,omitempty" yaml:"readonly,omitempty"`
}

// UnmarshalYAML accepts "source:target" and "source:target:ro" strings.
func (m *MountConfig) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		type plain MountConfig
		return value.Decode((*plain)(m))
	}
	parts := strings.Split(value.Value, ":")
	switch {
	case len(parts) == 2:
	case len(parts) == 3 && parts[2] == "ro":
		m.ReadOnly = true
	default:
		return fmt.Errorf("line %d: mount %q: want source:target[:ro]", value.Line, value.Value)
	}
	m.Source, m.Target = parts[0], parts[1]
	return nil
}

// StageConfig is a single stage.
type StageConfig struct {
	Name        string             `json:"name" yaml:"name"`
	When        *GuardConfig       `json:"when,omitempty" yaml:"when,omitempty"`
	Environment *EnvironmentConfig `json:"environment,omitempty" yaml:"environment,omitempty"`
	Steps       []StepConfig       `json:"steps" yaml:"steps"`
}

// StepConfig is a single step. Run is shorthand for a shell step running
// that script.
type StepConfig struct {
	Name        string             `json:"name" yaml:"name"`
	Type        string             `json:"type,omitempty" yaml:"type,omitempty"`
	Run         string             `json:"run,omitempty" yaml:"run,omitempty"`
	Timeout     string             `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	Environment *EnvironmentConfig `json:"environment,omitempty" yaml:"environment,omitempty"`
	Config      map[string]any     `json:"config,omitempty" yaml:"config,omitempty"`
}

// GuardConfig is a stage condition. Exactly one field must be set.
type GuardConfig struct {
	Branch string        `json:"branch,omitempty" yaml:"branch,omitempty"`
	Expr   string        `json:"expr,omitempty" yaml:"expr,omitempty"`
	Env    *EnvMatch     `json:"env,omitempty" yaml:"env,omitempty"`
	AllOf  []GuardConfig `json:"all_of,omitempty" yaml:"all_of,omitempty"`
	AnyOf  []GuardConfig `json:"any_of,omitempty" yaml:"any_of,omitempty"`
	Not    *GuardConfig  `json:"not,omitempty" yaml:"not,omitempty"`
}

// EnvMatch compares an environment variable with a value.
type EnvMatch struct {
	Name  string `json:"name" yaml:"name"`
	Value string `json:"value" yaml:"value"`
}

// PostConfig holds the post-hook step lists.
type PostConfig struct {
	Always    []StepConfig `json:"always,omitempty" yaml:"always,omitempty"`
	OnSuccess []StepConfig `json:"on_success,omitempty" yaml:"on_success,omitempty"`
	OnFailure []StepConfig `json:"on_failure,omitempty" yaml:"on_failure,omitempty"`
}

// Parse decodes a pipeline definition. Unknown keys are rejected.
func Parse(data []byte) (*PipelineConfig, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	var cfg PipelineConfig
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse pipeline definition: %w", err)
	}
	return &cfg, nil
}

// LoadFromFile reads and parses a pipeline definition file.
func LoadFromFile(path string) (*PipelineConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read pipeline definition: %w", err)
	}
	return Parse(data)
}

// StepType returns the effective step type, defaulting to "shell".
func (s StepConfig) StepType() string {
	if s.Type != "" {
		return s.Type
	}
	return "shell"
}

// Validate checks the definition without building step actions.
func (c *PipelineConfig) Validate() error {
	var errs []error
	if c.Name == "" {
		errs = append(errs, errors.New("name is required"))
	}
	if len(c.Stages) == 0 {
		errs = append(errs, errors.New("at least one stage is required"))
	}
	if err := c.Environment.validate(); err != nil {
		errs = append(errs, fmt.Errorf("environment: %w", err))
	}
	seen := make(map[string]bool, len(c.Stages))
	for i, st := range c.Stages {
		label := fmt.Sprintf("stages[%d]", i)
		if st.Name == "" {
			errs = append(errs, fmt.Errorf("%s: name is required", label))
		} else {
			label = fmt.Sprintf("stage %q", st.Name)
			if seen[st.Name] {
				errs = append(errs, fmt.Errorf("%s: duplicate name", label))
			}
			seen[st.Name] = true
		}
		if st.When != nil {
			if err := st.When.validate(); err != nil {
				errs = append(errs, fmt.Errorf("%s: when: %w", label, err))
			}
		}
		if err := st.Environment.validate(); err != nil {
			errs = append(errs, fmt.Errorf("%s: environment: %w", label, err))
		}
		if len(st.Steps) == 0 {
			errs = append(errs, fmt.Errorf("%s: at least one step is required", label))
		}
		errs = append(errs, validateSteps(label, st.Steps)...)
	}
	errs = append(errs, validateSteps("post always", c.Post.Always)...)
	errs = append(errs, validateSteps("post on_success", c.Post.OnSuccess)...)
	errs = append(errs, validateSteps("post on_failure", c.Post.OnFailure)...)
	return errors.Join(errs...)
}

func validateSteps(label string, steps []StepConfig) []error {
	var errs []error
	seen := make(map[string]bool, len(steps))
	for j, s := range steps {
		name := fmt.Sprintf("%s step %d", label, j)
		if s.Name == "" {
			errs = append(errs, fmt.Errorf("%s: name is required", name))
		} else {
			name = fmt.Sprintf("%s step %q", label, s.Name)
			if seen[s.Name] {
				errs = append(errs, fmt.Errorf("%s: duplicate name", name))
			}
			seen[s.Name] = true
		}
		if s.Run != "" && s.Type != "" && s.Type != "shell" {
			errs = append(errs, fmt.Errorf("%s: run is only valid for shell steps", name))
		}
		if s.Timeout != "" {
			if d, err := time.ParseDuration(s.Timeout); err != nil {
				errs = append(errs, fmt.Errorf("%s: invalid timeout %q: %w", name, s.Timeout, err))
			} else if d < 0 {
				errs = append(errs, fmt.Errorf("%s: invalid timeout %q: must not be negative", name, s.Timeout))
			}
		}
		if err := s.Environment.validate(); err != nil {
			errs = append(errs, fmt.Errorf("%s: environment: %w", name, err))
		}
	}
	return errs
}

func (e *EnvironmentConfig) validate() error {
	if e == nil {
		return nil
	}
	if e.Image == "" {
		return errors.New("image is required")
	}
	if e.Memory != "" {
		if _, err := units.RAMInBytes(e.Memory); err != nil {
			return fmt.Errorf("invalid memory %q: %w", e.Memory, err)
		}
	}
	if e.CPUs < 0 {
		return fmt.Errorf("invalid cpus %v", e.CPUs)
	}
	for _, m := range e.Mounts {
		if m.Source == "" || m.Target == "" {
			return errors.New("mount source and target are required")
		}
	}
	return nil
}

func (g *GuardConfig) validate() error {
	set := 0
	if g.Branch != "" {
		set++
	}
	if g.Expr != "" {
		set++
	}
	if g.Env != nil {
		set++
		if g.Env.Name == "" {
			return errors.New("env: name is required")
		}
	}
	if len(g.AllOf) > 0 {
		set++
	}
	if len(g.AnyOf) > 0 {
		set++
	}
	if g.Not != nil {
		set++
	}
	if set != 1 {
		return fmt.Errorf("exactly one of branch, expr, env, all_of, any_of, not is required (got %d)", set)
	}
	if g.Branch != "" {
		if _, err := path.Match(g.Branch, ""); err != nil {
			return fmt.Errorf("invalid branch pattern %q: %w", g.Branch, err)
		}
	}
	for i := range g.AllOf {
		if err := g.AllOf[i].validate(); err != nil {
			return fmt.Errorf("all_of[%d]: %w", i, err)
		}
	}
	for i := range g.AnyOf {
		if err := g.AnyOf[i].validate(); err != nil {
			return fmt.Errorf("any_of[%d]: %w", i, err)
		}
	}
	if g.Not != nil {
		if err := g.Not.validate(); err != nil {
			return fmt.Errorf("not: %w", err)
		}
	}
	return nil
}
