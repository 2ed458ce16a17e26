package main

import (
	"flag"
	"fmt"

	"github.com/GoCodeAlone/stageflow/config"
	"github.com/GoCodeAlone/stageflow/steps"
)

func runValidate(args []string) error {
	fs := flag.NewFlagSet("validate", flag.ContinueOnError)
	fs.Usage = func() {
		fmt.Fprintf(fs.Output(), "Usage: stagectl validate <pipeline.yaml> [more.yaml...]\n\nValidate pipeline definitions, including guard expressions and step config.\n")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() == 0 {
		fs.Usage()
		return fmt.Errorf("at least one pipeline definition file is required")
	}

	registry := steps.DefaultRegistry(steps.Deps{})
	failed := 0
	for _, path := range fs.Args() {
		cfg, err := config.LoadFromFile(path)
		if err == nil {
			_, err = config.Build(cfg, registry)
		}
		if err != nil {
			failed++
			fmt.Fprintf(stdout, "%s: INVALID\n  %v\n", path, err)
			continue
		}
		fmt.Fprintf(stdout, "%s: OK (pipeline %q, %d stages)\n", path, cfg.Name, len(cfg.Stages))
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d definitions are invalid", failed, fs.NArg())
	}
	return nil
}
