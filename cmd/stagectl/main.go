package main

import (
	"errors"
	"fmt"
	"io"
	"os"
)

var version = "dev"

// stdout is where commands print their reports.
var stdout io.Writer = os.Stdout

var commands = map[string]func([]string) error{
	"run":      runRun,
	"validate": runValidate,
	"inspect":  runInspect,
	"history":  runHistory,
	"watch":    runWatch,
	"steps":    runSteps,
}

func usage() {
	fmt.Fprintf(os.Stderr, `stagectl - stage pipeline runner (version %s)

Usage:
  stagectl <command> [options]

Commands:
  run        Run a pipeline definition
  validate   Validate a pipeline definition
  inspect    Show the stages, guards, environments and hooks of a definition
  history    List recorded runs or show one run in detail
  watch      Re-validate (or re-run) a definition whenever it changes
  steps      List the available step types
  version    Print the version

Run 'stagectl <command> -h' for command-specific help.
`, version)
}

// runFailedError reports a finished run that did not succeed.
type runFailedError struct {
	pipeline string
	code     int
	err      error
}

func (e *runFailedError) Error() string {
	return fmt.Sprintf("pipeline %q failed: %v", e.pipeline, e.err)
}

func (e *runFailedError) Unwrap() error { return e.err }

// ExitCode is the process exit status for the failed run.
func (e *runFailedError) ExitCode() int { return e.code }

func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var coder interface{ ExitCode() int }
	if errors.As(err, &coder) && coder.ExitCode() != 0 {
		return coder.ExitCode()
	}
	return 1
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	cmd := os.Args[1]
	if cmd == "-h" || cmd == "--help" || cmd == "help" {
		usage()
		os.Exit(0)
	}
	if cmd == "-v" || cmd == "--version" || cmd == "version" {
		fmt.Println(version)
		os.Exit(0)
	}

	fn, ok := commands[cmd]
	if !ok {
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", cmd) //nolint:gosec // G705: CLI error output
		usage()
		os.Exit(1)
	}

	if err := fn(os.Args[2:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err) //nolint:gosec // G705: CLI error output
		os.Exit(exitCode(err))
	}
}
