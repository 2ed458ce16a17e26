package main

import (
	"flag"
	"fmt"
	"io"
	"maps"
	"slices"
	"strings"

	"github.com/docker/go-units"

	"github.com/GoCodeAlone/stageflow/config"
	"github.com/GoCodeAlone/stageflow/pipeline"
	"github.com/GoCodeAlone/stageflow/steps"
)

func runInspect(args []string) error {
	fs := flag.NewFlagSet("inspect", flag.ContinueOnError)
	fs.Usage = func() {
		fmt.Fprintf(fs.Output(), "Usage: stagectl inspect <pipeline.yaml>\n\nShow the stages, guards, environments and hooks of a definition.\n")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		fs.Usage()
		return fmt.Errorf("exactly one pipeline definition file is required")
	}

	cfg, err := config.LoadFromFile(fs.Arg(0))
	if err != nil {
		return err
	}
	p, err := config.Build(cfg, steps.DefaultRegistry(steps.Deps{}))
	if err != nil {
		return err
	}
	printPipeline(stdout, cfg, p)
	return nil
}

func printPipeline(w io.Writer, cfg *config.PipelineConfig, p *pipeline.Pipeline) {
	fmt.Fprintf(w, "Pipeline: %s\n", p.Name)
	if cfg.Description != "" {
		fmt.Fprintf(w, "Description: %s\n", cfg.Description)
	}
	if p.Environment != nil {
		fmt.Fprintf(w, "Environment: %s\n", describeEnvironment(p.Environment))
	}
	if len(p.Env) > 0 {
		fmt.Fprintln(w, "Env:")
		for _, k := range slices.Sorted(maps.Keys(p.Env)) {
			fmt.Fprintf(w, "  %s=%s\n", k, p.Env[k])
		}
	}

	fmt.Fprintf(w, "\nStages (%d):\n", len(p.Stages))
	for i, stage := range p.Stages {
		fmt.Fprintf(w, "  %d. %s\n", i+1, stage.Name)
		if stage.Guard != nil {
			fmt.Fprintf(w, "     when: %s\n", stage.Guard)
		}
		if stage.Environment != nil {
			fmt.Fprintf(w, "     environment: %s\n", describeEnvironment(stage.Environment))
		}
		printSteps(w, "     ", cfg.Stages[i].Steps, stage.Steps)
	}

	hooks := []struct {
		kind pipeline.HookKind
		cfg  []config.StepConfig
	}{
		{pipeline.HookAlways, cfg.Post.Always},
		{pipeline.HookOnSuccess, cfg.Post.OnSuccess},
		{pipeline.HookOnFailure, cfg.Post.OnFailure},
	}
	printed := false
	for _, h := range hooks {
		if len(h.cfg) == 0 {
			continue
		}
		if !printed {
			fmt.Fprintln(w, "\nPost hooks:")
			printed = true
		}
		fmt.Fprintf(w, "  %s:\n", h.kind)
		printSteps(w, "    ", h.cfg, p.Post[h.kind])
	}
}

func printSteps(w io.Writer, indent string, cfgs []config.StepConfig, built []pipeline.Step) {
	for j, sc := range cfgs {
		line := fmt.Sprintf("%s- %s (%s)", indent, sc.Name, sc.StepType())
		if j < len(built) {
			if built[j].Timeout > 0 {
				line += fmt.Sprintf(" timeout=%s", built[j].Timeout)
			}
			if built[j].Environment != nil {
				line += " in " + describeEnvironment(built[j].Environment)
			}
		}
		fmt.Fprintln(w, line)
	}
}

func describeEnvironment(env *pipeline.Environment) string {
	var extras []string
	if env.WorkDir != "" {
		extras = append(extras, "workdir="+env.WorkDir)
	}
	if env.MemoryLimit > 0 {
		extras = append(extras, "memory="+units.BytesSize(float64(env.MemoryLimit)))
	}
	if env.CPULimit > 0 {
		extras = append(extras, fmt.Sprintf("cpus=%g", env.CPULimit))
	}
	if env.NetworkMode != "" {
		extras = append(extras, "network="+env.NetworkMode)
	}
	for _, m := range env.Mounts {
		mount := m.Source + ":" + m.Target
		if m.ReadOnly {
			mount += ":ro"
		}
		extras = append(extras, "mount="+mount)
	}
	if len(extras) == 0 {
		return env.Image
	}
	return env.Image + " (" + strings.Join(extras, ", ") + ")"
}
