//go:build integration

package sandbox

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/GoCodeAlone/stageflow/pipeline"
)

func newIntegrationProvisioner(t *testing.T) *DockerProvisioner {
	t.Helper()
	d, err := NewDockerProvisioner()
	if err != nil {
		t.Skipf("Docker not available: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := d.Ping(ctx); err != nil {
		t.Skipf("Docker not available: %v", err)
	}
	t.Cleanup(func() { _ = d.Close(context.Background()) })
	return d
}

func TestIntegration_AcquireExecRelease(t *testing.T) {
	d := newIntegrationProvisioner(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	h, err := d.Acquire(ctx, pipeline.Environment{
		Image:   "alpine:latest",
		WorkDir: "/tmp",
		Env:     map[string]string{"GREETING": "hello"},
	})
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if len(d.Live()) != 1 {
		t.Fatalf("expected 1 live container, got %d", len(d.Live()))
	}

	var stdout, stderr bytes.Buffer
	code, err := h.Exec(ctx, []string{"sh", "-c", "echo $GREETING $NAME; pwd; echo oops >&2"},
		map[string]string{"NAME": "stageflow"}, &stdout, &stderr)
	if err != nil {
		t.Fatalf("Exec: %v", err)
	}
	if code != 0 {
		t.Fatalf("exit code = %d", code)
	}
	if got := stdout.String(); got != "hello stageflow\n/tmp\n" {
		t.Errorf("stdout = %q", got)
	}
	if got := stderr.String(); got != "oops\n" {
		t.Errorf("stderr = %q", got)
	}

	code, err = h.Exec(ctx, []string{"sh", "-c", "exit 3"}, nil, nil, nil)
	if err != nil {
		t.Fatalf("Exec: %v", err)
	}
	if code != 3 {
		t.Errorf("exit code = %d, want 3", code)
	}

	if err := d.Release(ctx, h); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if len(d.Live()) != 0 {
		t.Fatalf("expected no live containers after release")
	}
}
