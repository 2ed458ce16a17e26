package sandbox

import (
	"context"
	"slices"
	"strings"
	"testing"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/mount"

	"github.com/GoCodeAlone/stageflow/pipeline"
)

func TestBuildEnv(t *testing.T) {
	got := buildEnv(map[string]string{"B": "2", "A": "1", "EMPTY": ""})
	want := []string{"A=1", "B=2", "EMPTY="}
	if !slices.Equal(got, want) {
		t.Fatalf("buildEnv = %v, want %v", got, want)
	}
	if buildEnv(nil) != nil {
		t.Fatal("expected nil for empty env")
	}
}

func TestBuildHostConfig(t *testing.T) {
	hc := buildHostConfig(pipeline.Environment{
		Image:       "golang:1.26",
		MemoryLimit: 512 * 1024 * 1024,
		CPULimit:    1.5,
		NetworkMode: "none",
		Mounts: []pipeline.Mount{
			{Source: "/src", Target: "/workspace"},
			{Source: "/cache", Target: "/root/.cache", ReadOnly: true},
		},
	})

	if hc.Resources.Memory != 512*1024*1024 {
		t.Errorf("Memory = %d", hc.Resources.Memory)
	}
	if hc.Resources.NanoCPUs != 1_500_000_000 {
		t.Errorf("NanoCPUs = %d", hc.Resources.NanoCPUs)
	}
	if hc.NetworkMode != container.NetworkMode("none") {
		t.Errorf("NetworkMode = %q", hc.NetworkMode)
	}
	if hc.Init == nil || !*hc.Init {
		t.Error("expected init process enabled")
	}
	if len(hc.Mounts) != 2 {
		t.Fatalf("expected 2 mounts, got %d", len(hc.Mounts))
	}
	m := hc.Mounts[1]
	if m.Type != mount.TypeBind || m.Source != "/cache" || m.Target != "/root/.cache" || !m.ReadOnly {
		t.Errorf("unexpected mount %+v", m)
	}
}

func TestBuildHostConfig_NoLimits(t *testing.T) {
	hc := buildHostConfig(pipeline.Environment{Image: "alpine"})
	if hc.Resources.Memory != 0 || hc.Resources.NanoCPUs != 0 {
		t.Errorf("expected no limits, got memory=%d cpus=%d", hc.Resources.Memory, hc.Resources.NanoCPUs)
	}
	if hc.NetworkMode != "" {
		t.Errorf("expected default network, got %q", hc.NetworkMode)
	}
	if len(hc.Mounts) != 0 {
		t.Errorf("expected no mounts, got %d", len(hc.Mounts))
	}
}

func TestShortID(t *testing.T) {
	if got := shortID("0123456789abcdef"); got != "0123456789ab" {
		t.Errorf("shortID = %q", got)
	}
	if got := shortID("abc"); got != "abc" {
		t.Errorf("shortID = %q", got)
	}
}

func TestOptions(t *testing.T) {
	d := newDockerProvisioner(nil,
		WithPullPolicy(PullNever),
		WithLabels(map[string]string{"team": "ci"}),
	)
	if d.pull != PullNever {
		t.Errorf("pull = %q", d.pull)
	}
	if d.labels[LabelManaged] != "true" || d.labels["team"] != "ci" {
		t.Errorf("labels = %v", d.labels)
	}
	if len(d.Live()) != 0 {
		t.Errorf("expected no live containers")
	}
}

func TestAcquire_MissingImage(t *testing.T) {
	d := newDockerProvisioner(nil)
	_, err := d.Acquire(context.Background(), pipeline.Environment{})
	if err == nil || err.Error() != "sandbox: image is required" {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestRelease_UnknownHandle(t *testing.T) {
	d := newDockerProvisioner(nil)
	err := d.Release(context.Background(), &containerHandle{id: "deadbeefdeadbeef"})
	if err == nil || !strings.Contains(err.Error(), "not managed") {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestReadStream(t *testing.T) {
	input := `{"stream":"Step 1/2 : FROM alpine\n"}
{"aux":{"ID":"sha256:abc123"}}
{"status":"Pushed"}
{"status":"latest: digest: sha256:def size: 528","aux":{"Tag":"latest","Digest":"sha256:def","Size":528}}
`
	var ids, digests []string
	err := ReadStream(strings.NewReader(input), func(m StreamMessage) {
		if m.Aux.ID != "" {
			ids = append(ids, m.Aux.ID)
		}
		if m.Aux.Digest != "" {
			digests = append(digests, m.Aux.Digest)
		}
	})
	if err != nil {
		t.Fatalf("ReadStream: %v", err)
	}
	if !slices.Equal(ids, []string{"sha256:abc123"}) {
		t.Errorf("ids = %v", ids)
	}
	if !slices.Equal(digests, []string{"sha256:def"}) {
		t.Errorf("digests = %v", digests)
	}
}

func TestReadStream_Error(t *testing.T) {
	input := `{"stream":"Step 1/1 : RUN false\n"}
{"error":"The command '/bin/sh -c false' returned a non-zero code: 1"}
`
	err := ReadStream(strings.NewReader(input), nil)
	if err == nil || !strings.Contains(err.Error(), "non-zero code") {
		t.Fatalf("expected daemon error, got %v", err)
	}
}

func TestReadStream_Malformed(t *testing.T) {
	if err := ReadStream(strings.NewReader("{not json"), nil); err == nil {
		t.Fatal("expected parse error")
	}
}
