package pipeline

import (
	"bytes"
	"fmt"
	"maps"
	"strconv"
	"strings"
	"text/template"

	"github.com/google/uuid"
)

// RunInfo seeds a RunContext.
type RunInfo struct {
	// RunID identifies the run. A random UUID is used when empty.
	RunID       string
	Branch      string
	Commit      string
	BuildNumber int
	Env         map[string]string
}

// RunContext is the run-scoped state consulted by guards and actions.
//
// The identity fields and environment are fixed when the context is created.
// Step outputs and the running outcome are recorded by the Executor only, so
// guards and actions see a read-only view.
type RunContext struct {
	runID       string
	pipeline    string
	branch      string
	commit      string
	buildNumber int
	env         map[string]string

	outputs map[string]string
	status  Outcome
}

// NewRunContext creates a RunContext from info. The env map is copied.
func NewRunContext(info RunInfo) *RunContext {
	id := info.RunID
	if id == "" {
		id = uuid.NewString()
	}
	env := make(map[string]string, len(info.Env))
	maps.Copy(env, info.Env)
	return &RunContext{
		runID:       id,
		branch:      info.Branch,
		commit:      info.Commit,
		buildNumber: info.BuildNumber,
		env:         env,
		outputs:     make(map[string]string),
		status:      OutcomeSuccess,
	}
}

// fork returns the context a single run of p works on. Pipeline env values
// act as defaults beneath the caller's env. rc itself is left untouched.
func (rc *RunContext) fork(p *Pipeline) *RunContext {
	if rc == nil {
		rc = NewRunContext(RunInfo{})
	}
	env := make(map[string]string, len(p.Env)+len(rc.env))
	maps.Copy(env, p.Env)
	maps.Copy(env, rc.env)
	return &RunContext{
		runID:       rc.runID,
		pipeline:    p.Name,
		branch:      rc.branch,
		commit:      rc.commit,
		buildNumber: rc.buildNumber,
		env:         env,
		outputs:     make(map[string]string),
		status:      OutcomeSuccess,
	}
}

func (rc *RunContext) recordOutput(step, output string) {
	rc.outputs[step] = output
}

func (rc *RunContext) setStatus(o Outcome) {
	rc.status = o
}

func (rc *RunContext) RunID() string    { return rc.runID }
func (rc *RunContext) Pipeline() string { return rc.pipeline }
func (rc *RunContext) Branch() string   { return rc.branch }
func (rc *RunContext) Commit() string   { return rc.commit }
func (rc *RunContext) BuildNumber() int { return rc.buildNumber }

// Status reports the outcome so far: success until a stage fails. Post-hooks
// see the final outcome.
func (rc *RunContext) Status() Outcome { return rc.status }

// Getenv returns the value of an environment variable, or "" when unset.
func (rc *RunContext) Getenv(key string) string {
	return rc.env[key]
}

// LookupEnv returns an environment variable and whether it is set.
func (rc *RunContext) LookupEnv(key string) (string, bool) {
	v, ok := rc.env[key]
	return v, ok
}

// Environ returns a copy of the environment variables.
func (rc *RunContext) Environ() map[string]string {
	return maps.Clone(rc.env)
}

// Output returns the recorded output of a completed step.
func (rc *RunContext) Output(step string) (string, bool) {
	v, ok := rc.outputs[step]
	return v, ok
}

// Outputs returns a copy of all recorded step outputs keyed by step name.
func (rc *RunContext) Outputs() map[string]string {
	return maps.Clone(rc.outputs)
}

// Lookup resolves a context field by name. Supported fields are branch,
// commit, build_number, pipeline, run_id, status, env.<NAME> and
// output.<step>. Fields that are unknown or unset report ok=false.
func (rc *RunContext) Lookup(field string) (any, bool) {
	if name, ok := strings.CutPrefix(field, "env."); ok {
		v, found := rc.env[name]
		return v, found
	}
	if name, ok := strings.CutPrefix(field, "output."); ok {
		v, found := rc.outputs[name]
		return v, found
	}
	switch field {
	case "branch":
		return rc.branch, rc.branch != ""
	case "commit":
		return rc.commit, rc.commit != ""
	case "build_number":
		return rc.buildNumber, rc.buildNumber > 0
	case "pipeline":
		return rc.pipeline, rc.pipeline != ""
	case "run_id":
		return rc.runID, rc.runID != ""
	case "status":
		return string(rc.status), true
	}
	return nil, false
}

// facts is the variable set expression guards evaluate against. Unset
// identity fields are left out so expressions see them as undefined.
func (rc *RunContext) facts() map[string]any {
	f := map[string]any{
		"run_id": rc.runID,
		"status": string(rc.status),
	}
	for _, name := range []string{"branch", "commit", "build_number", "pipeline"} {
		if v, ok := rc.Lookup(name); ok {
			f[name] = v
		}
	}
	env := make(map[string]any, len(rc.env))
	for k, v := range rc.env {
		env[k] = v
	}
	f["env"] = env
	outputs := make(map[string]any, len(rc.outputs))
	for k, v := range rc.outputs {
		outputs[k] = v
	}
	f["outputs"] = outputs
	return f
}

// ImageTag derives the tag for images built by this run: IMAGE_TAG when set,
// otherwise the build number, then the short commit, then "latest".
func ImageTag(rc *RunContext) string {
	if tag, ok := rc.LookupEnv("IMAGE_TAG"); ok && tag != "" {
		return tag
	}
	if rc.buildNumber > 0 {
		return strconv.Itoa(rc.buildNumber)
	}
	if rc.commit != "" {
		return shortSHA(rc.commit)
	}
	return "latest"
}

func shortSHA(sha string) string {
	if len(sha) > 7 {
		return sha[:7]
	}
	return sha
}

// templateData builds the data map that Go templates see.
func (rc *RunContext) templateData() map[string]any {
	return map[string]any{
		"RunID":       rc.runID,
		"Pipeline":    rc.pipeline,
		"Branch":      rc.branch,
		"Commit":      rc.commit,
		"BuildNumber": rc.buildNumber,
		"Env":         rc.Environ(),
		"Outputs":     rc.Outputs(),
		"Status":      string(rc.status),
		"ImageTag":    ImageTag(rc),
	}
}

var templateFuncs = template.FuncMap{
	"lower": strings.ToLower,
	"upper": strings.ToUpper,
	"trim":  strings.TrimSpace,
	"short": shortSHA,
	"default": func(def string, v any) string {
		if s := fmt.Sprint(v); v != nil && s != "" {
			return s
		}
		return def
	},
}

// Expand evaluates {{ }} expressions in s against the context. Strings
// without template markers are returned unchanged.
func (rc *RunContext) Expand(s string) (string, error) {
	if !strings.Contains(s, "{{") {
		return s, nil
	}
	t, err := template.New("").Funcs(templateFuncs).Option("missingkey=zero").Parse(s)
	if err != nil {
		return "", fmt.Errorf("template parse error: %w", err)
	}
	var buf bytes.Buffer
	if err := t.Execute(&buf, rc.templateData()); err != nil {
		return "", fmt.Errorf("template exec error: %w", err)
	}
	return buf.String(), nil
}
