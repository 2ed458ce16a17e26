package main

import (
	"context"
	"flag"
	"fmt"
	"time"

	"github.com/GoCodeAlone/stageflow/config"
)

func runRun(args []string) error {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	configPath := fs.String("c", "", "Path to the pipeline definition YAML file")
	o := addRunFlags(fs)
	fs.Usage = func() {
		fmt.Fprintf(fs.Output(), `Usage: stagectl run [options] <pipeline.yaml>

Run a pipeline definition. The exit status is 0 when the run succeeds and 1
otherwise.

Examples:
  stagectl run ci.yaml
  stagectl run -branch main -build 42 --var IMAGE_NAME=orchestrator ci.yaml
  stagectl run -history runs.db -nats nats://localhost:4222 ci.yaml

Options:
`)
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return err
	}
	path, err := definitionPath(fs, *configPath)
	if err != nil {
		return err
	}
	if err := o.validate(); err != nil {
		return err
	}
	if _, err := o.runInfo(); err != nil {
		return err
	}

	cfg, err := config.LoadFromFile(path)
	if err != nil {
		return err
	}

	ctx, stop := signalContext()
	defer stop()

	logger := newLogger(o.logLevel)
	sess, err := newSession(ctx, o, logger, stdout)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := sess.close(closeCtx); err != nil {
			logger.Warn("Shutdown incomplete", "error", err)
		}
	}()

	p, err := sess.build(cfg)
	if err != nil {
		return err
	}
	res, err := sess.run(ctx, p)
	if err != nil {
		return err
	}
	if code := res.ExitCode(); code != 0 {
		return &runFailedError{pipeline: p.Name, code: code, err: res.Err}
	}
	return nil
}
