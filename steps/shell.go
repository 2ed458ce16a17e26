package steps

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"maps"
	"os"
	"os/exec"
	"strconv"
	"strings"

	"github.com/GoCodeAlone/stageflow/pipeline"
)

// ShellStep runs commands with `sh -c`, inside the active environment when
// one is acquired and on the host otherwise. Output is the trimmed stdout of
// all commands.
type ShellStep struct {
	name     string
	commands []string
	env      map[string]string
	workDir  string
	shell    string
	stdout   io.Writer
	stderr   io.Writer

	execCommand func(ctx context.Context, name string, args ...string) *exec.Cmd
}

func newShellStep(name string, cfg map[string]any, deps Deps) (pipeline.Action, error) {
	var commands []string
	if script := stringValue(cfg, "script"); script != "" {
		commands = append(commands, script)
	}
	cmds, err := stringList(cfg, "commands")
	if err != nil {
		return nil, fmt.Errorf("shell step %q: %w", name, err)
	}
	commands = append(commands, cmds...)
	if len(commands) == 0 {
		return nil, fmt.Errorf("shell step %q: 'script' or 'commands' is required", name)
	}

	env, err := stringMap(cfg, "env")
	if err != nil {
		return nil, fmt.Errorf("shell step %q: %w", name, err)
	}

	shell := stringValue(cfg, "shell")
	if shell == "" {
		shell = "sh"
	}

	return &ShellStep{
		name:        name,
		commands:    commands,
		env:         env,
		workDir:     stringValue(cfg, "work_dir"),
		shell:       shell,
		stdout:      deps.Stdout,
		stderr:      deps.Stderr,
		execCommand: exec.CommandContext,
	}, nil
}

// Run executes each command in order and stops at the first failure.
func (s *ShellStep) Run(ctx context.Context, rc *pipeline.RunContext) (string, error) {
	env, err := s.environ(rc)
	if err != nil {
		return "", fmt.Errorf("shell step %q: failed to resolve env: %w", s.name, err)
	}
	workDir, err := rc.Expand(s.workDir)
	if err != nil {
		return "", fmt.Errorf("shell step %q: failed to resolve work_dir: %w", s.name, err)
	}
	h, inEnv := pipeline.HandleFromContext(ctx)

	var out bytes.Buffer
	for i, raw := range s.commands {
		command, err := rc.Expand(raw)
		if err != nil {
			return "", fmt.Errorf("shell step %q: command %d: %w", s.name, i, err)
		}

		var stderr bytes.Buffer
		stdoutW := io.MultiWriter(&out, s.stdout)
		stderrW := io.MultiWriter(&stderr, s.stderr)

		var code int
		if inEnv {
			if workDir != "" {
				command = "cd " + shellQuote(workDir) + " && " + command
			}
			code, err = h.Exec(ctx, []string{s.shell, "-c", command}, env, stdoutW, stderrW)
		} else {
			code, err = s.execHost(ctx, command, workDir, env, stdoutW, stderrW)
		}
		if err != nil {
			return strings.TrimSpace(out.String()), fmt.Errorf("shell step %q: command %d failed: %w", s.name, i, err)
		}
		if code != 0 {
			return strings.TrimSpace(out.String()), fmt.Errorf("shell step %q: command %d exited with code %d: %s",
				s.name, i, code, lastLine(stderr.String()))
		}
	}
	return strings.TrimSpace(out.String()), nil
}

func (s *ShellStep) execHost(ctx context.Context, command, dir string, env map[string]string, stdout, stderr io.Writer) (int, error) {
	cmd := s.execCommand(ctx, s.shell, "-c", command) //nolint:gosec // G204: command from trusted pipeline definition
	cmd.Dir = dir
	cmd.Env = os.Environ()
	for k, v := range env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	err := cmd.Run()
	if ctx.Err() != nil {
		return -1, ctx.Err()
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode(), nil
	}
	if err != nil {
		return -1, err
	}
	return 0, nil
}

// environ is the run's env, the CI variables derived from the run, and the
// step's own templated env, later entries winning.
func (s *ShellStep) environ(rc *pipeline.RunContext) (map[string]string, error) {
	env := make(map[string]string)
	setIfEmpty := func(k, v string) {
		if v != "" {
			env[k] = v
		}
	}
	setIfEmpty("STAGEFLOW_RUN_ID", rc.RunID())
	setIfEmpty("STAGEFLOW_PIPELINE", rc.Pipeline())
	setIfEmpty("BRANCH_NAME", rc.Branch())
	setIfEmpty("GIT_COMMIT", rc.Commit())
	if rc.BuildNumber() > 0 {
		env["BUILD_NUMBER"] = strconv.Itoa(rc.BuildNumber())
	}
	env["IMAGE_TAG"] = pipeline.ImageTag(rc)
	maps.Copy(env, rc.Environ())

	stepEnv, err := expandMap(rc, s.env)
	if err != nil {
		return nil, err
	}
	maps.Copy(env, stepEnv)
	return env, nil
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func lastLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return s[i+1:]
	}
	return s
}
