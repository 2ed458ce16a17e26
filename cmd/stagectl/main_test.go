package main

import (
	"bytes"
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/GoCodeAlone/stageflow/pipeline"
)

func writeTestConfig(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	return path
}

// captureStdout redirects command output for the duration of the test.
func captureStdout(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	prev := stdout
	stdout = &buf
	t.Cleanup(func() { stdout = prev })
	return &buf
}

// isolateEnv clears the CI variables flag defaults are read from.
func isolateEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"BRANCH_NAME", "GIT_BRANCH", "GITHUB_REF_NAME", "GIT_COMMIT", "BUILD_NUMBER",
		"STAGEFLOW_HISTORY_DB", "NATS_URL", "OTEL_EXPORTER_OTLP_ENDPOINT",
	} {
		t.Setenv(key, "")
	}
}

func requireShell(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
}

const hostPipeline = `
name: cli-test
env:
  GREETING: hello
stages:
  - name: Build
    steps:
      - name: greet
        run: echo "$GREETING from {{.Branch}}"
  - name: Push
    when: {branch: main}
    steps:
      - name: push
        run: echo pushing
post:
  always:
    - name: done
      type: log
      config: {message: "finished {{.Status}}"}
`

const failingPipeline = `
name: cli-fail
stages:
  - name: Test
    steps:
      - name: unit
        run: exit 4
  - name: Deploy
    steps:
      - name: deploy
        run: echo never
`

const containerPipeline = `
name: orchestrator
description: Build and push the notification orchestrator
environment:
  image: python:3.11-slim
  memory: 512m
  cpus: 1.5
env:
  IMAGE_NAME: notification-orchestrator
stages:
  - name: Build
    steps:
      - name: test
        run: pytest
        timeout: 10m
  - name: Push
    when:
      all_of:
        - branch: main
        - expr: 'env.IMAGE_NAME != ""'
    environment: docker:27-cli
    steps:
      - name: push
        type: docker_push
        config: {image: "{{.Env.IMAGE_NAME}}:{{.ImageTag}}"}
post:
  on_failure:
    - name: alert
      type: notify
      config: {message: "build failed"}
`

func TestParseVars(t *testing.T) {
	env, err := parseVars([]string{"A=1", "B=x=y", "EMPTY="})
	if err != nil {
		t.Fatalf("parseVars: %v", err)
	}
	if env["A"] != "1" || env["B"] != "x=y" || env["EMPTY"] != "" {
		t.Errorf("unexpected env: %v", env)
	}
	for _, bad := range []string{"novalue", "=value"} {
		if _, err := parseVars([]string{bad}); err == nil {
			t.Errorf("expected error for %q", bad)
		}
	}
}

func TestDefaultBranch(t *testing.T) {
	isolateEnv(t)
	if got := defaultBranch(); got != "" {
		t.Errorf("defaultBranch = %q, want empty", got)
	}
	t.Setenv("GIT_BRANCH", "origin/release/1.2")
	if got := defaultBranch(); got != "release/1.2" {
		t.Errorf("defaultBranch = %q", got)
	}
	t.Setenv("BRANCH_NAME", "main")
	if got := defaultBranch(); got != "main" {
		t.Errorf("BRANCH_NAME should win, got %q", got)
	}
}

func TestDefaultBuildNumber(t *testing.T) {
	isolateEnv(t)
	if got := defaultBuildNumber(); got != 0 {
		t.Errorf("defaultBuildNumber = %d", got)
	}
	t.Setenv("BUILD_NUMBER", "118")
	if got := defaultBuildNumber(); got != 118 {
		t.Errorf("defaultBuildNumber = %d", got)
	}
	t.Setenv("BUILD_NUMBER", "abc")
	if got := defaultBuildNumber(); got != 0 {
		t.Errorf("defaultBuildNumber = %d for invalid input", got)
	}
}

func TestParseLogLevel(t *testing.T) {
	if _, err := parseLogLevel("warn"); err != nil {
		t.Errorf("warn: %v", err)
	}
	if _, err := parseLogLevel("loud"); err == nil {
		t.Error("expected error for unknown level")
	}
}

func TestExitCode(t *testing.T) {
	if exitCode(nil) != 0 {
		t.Error("nil error should exit 0")
	}
	if exitCode(errors.New("usage")) != 1 {
		t.Error("plain error should exit 1")
	}
	err := &runFailedError{pipeline: "p", code: 1, err: errors.New("boom")}
	if exitCode(err) != 1 {
		t.Error("failed run should exit with its code")
	}
}

func TestNeedsEnvironment(t *testing.T) {
	env := &pipeline.Environment{Image: "alpine"}
	tests := []struct {
		name string
		p    *pipeline.Pipeline
		want bool
	}{
		{"none", &pipeline.Pipeline{Stages: []pipeline.Stage{{Name: "a", Steps: []pipeline.Step{{Name: "s"}}}}}, false},
		{"pipeline", &pipeline.Pipeline{Environment: env}, true},
		{"stage", &pipeline.Pipeline{Stages: []pipeline.Stage{{Name: "a", Environment: env}}}, true},
		{"step", &pipeline.Pipeline{Stages: []pipeline.Stage{{Name: "a", Steps: []pipeline.Step{{Name: "s", Environment: env}}}}}, true},
		{"hook", &pipeline.Pipeline{Post: map[pipeline.HookKind][]pipeline.Step{pipeline.HookAlways: {{Name: "h", Environment: env}}}}, true},
	}
	for _, tt := range tests {
		if got := needsEnvironment(tt.p); got != tt.want {
			t.Errorf("%s: needsEnvironment = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestRunValidate(t *testing.T) {
	out := captureStdout(t)
	dir := t.TempDir()
	good := writeTestConfig(t, dir, "good.yaml", containerPipeline)
	bad := writeTestConfig(t, dir, "bad.yaml", "name: broken\nstages:\n  - name: A\n    when: {expr: 'branch =='}\n    steps: [{name: s, run: 'true'}]\n")

	if err := runValidate([]string{good}); err != nil {
		t.Fatalf("expected valid definition, got: %v", err)
	}
	if !strings.Contains(out.String(), `OK (pipeline "orchestrator", 2 stages)`) {
		t.Errorf("unexpected output: %s", out.String())
	}

	err := runValidate([]string{good, bad})
	if err == nil || !strings.Contains(err.Error(), "1 of 2 definitions are invalid") {
		t.Fatalf("expected one invalid definition, got: %v", err)
	}
	if !strings.Contains(out.String(), "bad.yaml: INVALID") {
		t.Errorf("missing INVALID line: %s", out.String())
	}
}

func TestRunValidate_NoArgs(t *testing.T) {
	captureStdout(t)
	if err := runValidate(nil); err == nil {
		t.Fatal("expected error without arguments")
	}
}

func TestRunInspect(t *testing.T) {
	out := captureStdout(t)
	path := writeTestConfig(t, t.TempDir(), "ci.yaml", containerPipeline)

	if err := runInspect([]string{path}); err != nil {
		t.Fatalf("runInspect: %v", err)
	}
	for _, want := range []string{
		"Pipeline: orchestrator",
		"Description: Build and push the notification orchestrator",
		"Environment: python:3.11-slim (memory=512MiB, cpus=1.5)",
		"IMAGE_NAME=notification-orchestrator",
		"- test (shell) timeout=10m0s",
		`when: all_of(branch == "main", env.IMAGE_NAME != "")`,
		"environment: docker:27-cli",
		"- push (docker_push)",
		"on_failure:",
		"- alert (notify)",
	} {
		if !strings.Contains(out.String(), want) {
			t.Errorf("inspect output missing %q:\n%s", want, out.String())
		}
	}
}

func TestRunRun_Success(t *testing.T) {
	requireShell(t)
	isolateEnv(t)
	out := captureStdout(t)
	dir := t.TempDir()
	path := writeTestConfig(t, dir, "ci.yaml", hostPipeline)
	db := filepath.Join(dir, "runs.db")

	err := runRun([]string{"-branch", "dev", "-build", "7", "-run-id", "run-ok", "-history", db, "-log-level", "error", "-verbose", path})
	if err != nil {
		t.Fatalf("runRun: %v", err)
	}
	for _, want := range []string{
		"Pipeline: cli-test (run run-ok)",
		"Stage 1/2: Build ... OK",
		"hello from dev",
		"Stage 2/2: Push ... SKIPPED (guard)",
		"Post always: done ... OK",
		"Pipeline completed successfully",
	} {
		if !strings.Contains(out.String(), want) {
			t.Errorf("output missing %q:\n%s", want, out.String())
		}
	}

	out.Reset()
	if err := runHistory([]string{"-db", db, "-p", "cli-test"}); err != nil {
		t.Fatalf("runHistory: %v", err)
	}
	if !strings.Contains(out.String(), "run-ok") || !strings.Contains(out.String(), "cli-test: 1 runs, 1 succeeded, 0 failed") {
		t.Errorf("unexpected history output:\n%s", out.String())
	}

	out.Reset()
	if err := runHistory([]string{"-db", db, "run-ok"}); err != nil {
		t.Fatalf("runHistory detail: %v", err)
	}
	for _, want := range []string{"Run:      run-ok", "Build:    7", "skipped (guard)", "- greet: success"} {
		if !strings.Contains(out.String(), want) {
			t.Errorf("history detail missing %q:\n%s", want, out.String())
		}
	}
}

func TestRunRun_FailureExitCode(t *testing.T) {
	requireShell(t)
	isolateEnv(t)
	out := captureStdout(t)
	dir := t.TempDir()
	path := writeTestConfig(t, dir, "ci.yaml", failingPipeline)
	metricsFile := filepath.Join(dir, "stageflow.prom")

	err := runRun([]string{"-log-level", "error", "-metrics-file", metricsFile, path})
	var failed *runFailedError
	if !errors.As(err, &failed) {
		t.Fatalf("expected runFailedError, got %v", err)
	}
	if exitCode(err) != 1 {
		t.Errorf("exit code = %d", exitCode(err))
	}
	if !strings.Contains(out.String(), "Stage 2/2: Deploy ... SKIPPED (aborted)") {
		t.Errorf("unexpected output:\n%s", out.String())
	}
	data, err := os.ReadFile(metricsFile)
	if err != nil {
		t.Fatalf("metrics textfile not written: %v", err)
	}
	if !strings.Contains(string(data), `stageflow_runs_total{outcome="failure",pipeline="cli-fail"} 1`) {
		t.Errorf("unexpected metrics:\n%s", data)
	}
}

func TestRunRun_BadFlags(t *testing.T) {
	isolateEnv(t)
	captureStdout(t)
	path := writeTestConfig(t, t.TempDir(), "ci.yaml", hostPipeline)

	if err := runRun([]string{"-pull", "sometimes", path}); err == nil {
		t.Error("expected error for invalid pull policy")
	}
	if err := runRun([]string{"--var", "novalue", path}); err == nil {
		t.Error("expected error for invalid --var")
	}
}

func TestRunRun_UnreachableDockerFailsBeforeStages(t *testing.T) {
	isolateEnv(t)
	t.Setenv("DOCKER_HOST", "unix://"+filepath.Join(t.TempDir(), "missing.sock"))
	out := captureStdout(t)
	path := writeTestConfig(t, t.TempDir(), "ci.yaml", `
name: needs-docker
environment: alpine:3.20
stages:
  - name: Build
    steps:
      - name: build
        run: echo building
`)

	err := runRun([]string{"-log-level", "error", path})
	if err == nil || !strings.Contains(err.Error(), "Docker daemon unreachable") {
		t.Fatalf("expected unreachable daemon error, got %v", err)
	}
	var failed *runFailedError
	if errors.As(err, &failed) {
		t.Errorf("daemon check should fail before the run, got run failure %v", err)
	}
	if strings.Contains(out.String(), "Stage 1/1") {
		t.Errorf("no stage should start:\n%s", out.String())
	}
}

func TestRunHistory_MissingDB(t *testing.T) {
	isolateEnv(t)
	captureStdout(t)
	if err := runHistory([]string{"-db", filepath.Join(t.TempDir(), "none.db")}); err == nil {
		t.Fatal("expected error for missing database")
	}
}

func TestProgress(t *testing.T) {
	var buf bytes.Buffer
	ok := pipeline.ActionFunc(func(context.Context, *pipeline.RunContext) (string, error) { return "built", nil })
	p := &pipeline.Pipeline{
		Name: "progress",
		Stages: []pipeline.Stage{
			{Name: "Build", Steps: []pipeline.Step{{Name: "compile", Action: ok}}},
		},
	}
	ex := pipeline.NewExecutor(pipeline.WithObserver(newProgress(&buf, len(p.Stages), true)))
	res := ex.Run(context.Background(), p, pipeline.NewRunContext(pipeline.RunInfo{RunID: "r1", Branch: "main", BuildNumber: 3}))
	if !res.Succeeded() {
		t.Fatalf("run failed: %v", res.Err)
	}

	for _, want := range []string{
		"Pipeline: progress (run r1)",
		"Branch: main  Commit: -  Build: 3",
		"Stage 1/1: Build ... OK",
		"  - compile: ok",
		"      output = built",
		"Pipeline completed successfully in",
	} {
		if !strings.Contains(buf.String(), want) {
			t.Errorf("progress output missing %q:\n%s", want, buf.String())
		}
	}
}

func TestStageStatus(t *testing.T) {
	if got := stageStatus(pipeline.StageResult{Status: pipeline.StatusSkipped, Reason: "guard"}); got != "SKIPPED (guard)" {
		t.Errorf("stageStatus = %q", got)
	}
	if got := stageStatus(pipeline.StageResult{Status: pipeline.StatusFailed, Duration: 1500 * time.Millisecond}); got != "FAILED (1.5s)" {
		t.Errorf("stageStatus = %q", got)
	}
}
