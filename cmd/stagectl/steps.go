package main

import (
	"flag"
	"fmt"

	"github.com/GoCodeAlone/stageflow/steps"
)

func runSteps(args []string) error {
	fs := flag.NewFlagSet("steps", flag.ContinueOnError)
	if err := fs.Parse(args); err != nil {
		return err
	}
	for _, t := range steps.DefaultRegistry(steps.Deps{}).Types() {
		fmt.Fprintln(stdout, t)
	}
	return nil
}
