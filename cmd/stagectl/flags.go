package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/GoCodeAlone/stageflow/pipeline"
	"github.com/GoCodeAlone/stageflow/sandbox"
)

// stringSliceFlag is a flag.Value that accumulates multiple --var key=value flags.
type stringSliceFlag []string

func (s *stringSliceFlag) String() string {
	return strings.Join(*s, ", ")
}

func (s *stringSliceFlag) Set(v string) error {
	*s = append(*s, v)
	return nil
}

// runOptions are the flags shared by run and watch.
type runOptions struct {
	branch      string
	commit      string
	buildNumber int
	runID       string
	vars        stringSliceFlag
	logLevel    string
	verbose     bool
	historyDB   string
	natsURL     string
	subject     string
	otlp        string
	metricsFile string
	pull        string
	release     time.Duration
}

func addRunFlags(fs *flag.FlagSet) *runOptions {
	o := &runOptions{}
	fs.StringVar(&o.branch, "branch", defaultBranch(), "Branch being built (default from BRANCH_NAME or GIT_BRANCH)")
	fs.StringVar(&o.commit, "commit", os.Getenv("GIT_COMMIT"), "Commit SHA being built (default from GIT_COMMIT)")
	fs.IntVar(&o.buildNumber, "build", defaultBuildNumber(), "Build number (default from BUILD_NUMBER)")
	fs.StringVar(&o.runID, "run-id", "", "Run ID (default: random UUID)")
	fs.Var(&o.vars, "var", "Environment variable in key=value format (repeatable)")
	fs.StringVar(&o.logLevel, "log-level", "info", "Log level: debug, info, warn, error")
	fs.BoolVar(&o.verbose, "verbose", false, "Show step results and outputs")
	fs.StringVar(&o.historyDB, "history", os.Getenv("STAGEFLOW_HISTORY_DB"), "SQLite database to record runs in (default from STAGEFLOW_HISTORY_DB)")
	fs.StringVar(&o.natsURL, "nats", os.Getenv("NATS_URL"), "NATS server for run events and notify steps (default from NATS_URL)")
	fs.StringVar(&o.subject, "subject", "", "NATS subject for run events (default stageflow.runs)")
	fs.StringVar(&o.otlp, "otlp", os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"), "OTLP HTTP endpoint for traces, e.g. localhost:4318")
	fs.StringVar(&o.metricsFile, "metrics-file", "", "Write Prometheus metrics to this textfile after each run")
	fs.StringVar(&o.pull, "pull", string(sandbox.PullMissing), "Image pull policy: missing, always, never")
	fs.DurationVar(&o.release, "release-timeout", pipeline.DefaultReleaseTimeout, "Time allowed to tear down an environment")
	return o
}

func (o *runOptions) validate() error {
	switch sandbox.PullPolicy(o.pull) {
	case sandbox.PullMissing, sandbox.PullAlways, sandbox.PullNever:
	default:
		return fmt.Errorf("invalid -pull %q: expected missing, always, or never", o.pull)
	}
	if o.buildNumber < 0 {
		return fmt.Errorf("invalid -build %d", o.buildNumber)
	}
	_, err := parseLogLevel(o.logLevel)
	return err
}

// runInfo builds the seed for a run from the flags.
func (o *runOptions) runInfo() (pipeline.RunInfo, error) {
	env, err := parseVars(o.vars)
	if err != nil {
		return pipeline.RunInfo{}, err
	}
	return pipeline.RunInfo{
		RunID:       o.runID,
		Branch:      o.branch,
		Commit:      o.commit,
		BuildNumber: o.buildNumber,
		Env:         env,
	}, nil
}

// defaultBranch reads the branch from the usual CI variables.
func defaultBranch() string {
	for _, key := range []string{"BRANCH_NAME", "GIT_BRANCH", "GITHUB_REF_NAME"} {
		if v := os.Getenv(key); v != "" {
			return strings.TrimPrefix(v, "origin/")
		}
	}
	return ""
}

func defaultBuildNumber() int {
	n, err := strconv.Atoi(os.Getenv("BUILD_NUMBER"))
	if err != nil || n < 0 {
		return 0
	}
	return n
}

func parseVars(vars []string) (map[string]string, error) {
	env := make(map[string]string, len(vars))
	for _, kv := range vars {
		idx := strings.IndexByte(kv, '=')
		if idx <= 0 {
			return nil, fmt.Errorf("invalid --var %q: expected key=value format", kv)
		}
		env[kv[:idx]] = kv[idx+1:]
	}
	return env, nil
}

func parseLogLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("invalid -log-level %q: %w", s, err)
	}
	return level, nil
}

func newLogger(levelName string) *slog.Logger {
	level, err := parseLogLevel(levelName)
	if err != nil {
		level = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// definitionPath takes the definition from -c or the first argument.
func definitionPath(fs *flag.FlagSet, flagValue string) (string, error) {
	if flagValue != "" {
		return flagValue, nil
	}
	if fs.NArg() > 0 {
		return fs.Arg(0), nil
	}
	fs.Usage()
	return "", fmt.Errorf("pipeline definition file is required")
}
