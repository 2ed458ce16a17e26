package steps

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/GoCodeAlone/stageflow/pipeline"
)

// GitCheckoutStep clones a repository when needed and checks out a ref on
// the host. Its output is the resulting HEAD commit SHA.
type GitCheckoutStep struct {
	name        string
	url         string
	directory   string
	ref         string
	depth       int
	execCommand func(ctx context.Context, name string, args ...string) *exec.Cmd
}

func newGitCheckoutStep(name string, cfg map[string]any, _ Deps) (pipeline.Action, error) {
	directory := stringValue(cfg, "directory")
	if directory == "" {
		return nil, fmt.Errorf("git_checkout step %q: 'directory' is required", name)
	}
	depth := 0
	switch d := cfg["depth"].(type) {
	case nil:
	case int:
		depth = d
	default:
		return nil, fmt.Errorf("git_checkout step %q: 'depth' must be an integer", name)
	}
	if depth < 0 {
		return nil, fmt.Errorf("git_checkout step %q: 'depth' must not be negative", name)
	}

	return &GitCheckoutStep{
		name:        name,
		url:         stringValue(cfg, "url"),
		directory:   directory,
		ref:         stringValue(cfg, "ref"),
		depth:       depth,
		execCommand: exec.CommandContext,
	}, nil
}

// Run clones url into directory if it is not already a repository, checks
// out ref (defaulting to the run's commit, then its branch) and reports HEAD.
func (s *GitCheckoutStep) Run(ctx context.Context, rc *pipeline.RunContext) (string, error) {
	directory, err := rc.Expand(s.directory)
	if err != nil {
		return "", fmt.Errorf("git_checkout step %q: failed to resolve directory: %w", s.name, err)
	}
	ref, err := rc.Expand(s.ref)
	if err != nil {
		return "", fmt.Errorf("git_checkout step %q: failed to resolve ref: %w", s.name, err)
	}
	if ref == "" {
		ref = rc.Commit()
	}
	if ref == "" {
		ref = rc.Branch()
	}

	if _, err := os.Stat(filepath.Join(directory, ".git")); os.IsNotExist(err) {
		if s.url == "" {
			return "", fmt.Errorf("git_checkout step %q: %s is not a git repository and no 'url' is set", s.name, directory)
		}
		url, err := rc.Expand(s.url)
		if err != nil {
			return "", fmt.Errorf("git_checkout step %q: failed to resolve url: %w", s.name, err)
		}
		args := []string{"clone"}
		if s.depth > 0 {
			args = append(args, "--depth", fmt.Sprint(s.depth), "--no-single-branch")
		}
		args = append(args, url, directory)
		if _, err := s.git(ctx, args...); err != nil {
			return "", fmt.Errorf("git_checkout step %q: git clone failed: %w", s.name, err)
		}
	}

	if ref != "" {
		if _, err := s.git(ctx, "-C", directory, "checkout", "--quiet", ref); err != nil {
			return "", fmt.Errorf("git_checkout step %q: git checkout %s failed: %w", s.name, ref, err)
		}
	}

	sha, err := s.git(ctx, "-C", directory, "rev-parse", "HEAD")
	if err != nil {
		return "", fmt.Errorf("git_checkout step %q: git rev-parse failed: %w", s.name, err)
	}
	return sha, nil
}

func (s *GitCheckoutStep) git(ctx context.Context, args ...string) (string, error) {
	var stdout, stderr bytes.Buffer
	cmd := s.execCommand(ctx, "git", args...) //nolint:gosec // G204: args from trusted pipeline config
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("%w\nstderr: %s", err, strings.TrimSpace(stderr.String()))
	}
	return strings.TrimSpace(stdout.String()), nil
}
