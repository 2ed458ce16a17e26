// Package sandbox provides Docker containers as pipeline environments.
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"slices"
	"sync"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"

	"github.com/GoCodeAlone/stageflow/pipeline"
)

// PullPolicy controls when Acquire pulls an environment's image.
type PullPolicy string

const (
	PullMissing PullPolicy = "missing"
	PullAlways  PullPolicy = "always"
	PullNever   PullPolicy = "never"
)

// LabelManaged marks containers created by a DockerProvisioner.
const LabelManaged = "io.stageflow.managed"

// idleCommand keeps an environment container running until it is removed.
var idleCommand = []string{"sh", "-c", "trap 'exit 0' TERM; while :; do sleep 3600 & wait $!; done"}

// Option configures a DockerProvisioner.
type Option func(*DockerProvisioner)

// WithPullPolicy sets the image pull policy. The default is PullMissing.
func WithPullPolicy(p PullPolicy) Option {
	return func(d *DockerProvisioner) { d.pull = p }
}

// WithLogger sets the provisioner's logger.
func WithLogger(l *slog.Logger) Option {
	return func(d *DockerProvisioner) { d.logger = l }
}

// WithLabels adds labels to every environment container.
func WithLabels(labels map[string]string) Option {
	return func(d *DockerProvisioner) { maps.Copy(d.labels, labels) }
}

// DockerProvisioner acquires environments as long-lived Docker containers.
// Each Acquire creates and starts a container; steps run in it through
// docker exec; Release force-removes it.
type DockerProvisioner struct {
	client *client.Client
	pull   PullPolicy
	logger *slog.Logger
	labels map[string]string

	mu   sync.Mutex
	live map[string]string // container ID -> image
}

// NewDockerProvisioner connects to the Docker daemon configured by the
// environment (DOCKER_HOST, etc.).
func NewDockerProvisioner(opts ...Option) (*DockerProvisioner, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("sandbox: failed to create Docker client: %w", err)
	}
	return newDockerProvisioner(cli, opts...), nil
}

func newDockerProvisioner(cli *client.Client, opts ...Option) *DockerProvisioner {
	d := &DockerProvisioner{
		client: cli,
		pull:   PullMissing,
		logger: slog.Default(),
		labels: map[string]string{LabelManaged: "true"},
		live:   make(map[string]string),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Ping checks that the daemon is reachable.
func (d *DockerProvisioner) Ping(ctx context.Context) error {
	if _, err := d.client.Ping(ctx); err != nil {
		return fmt.Errorf("sandbox: Docker daemon unreachable: %w", err)
	}
	return nil
}

// Acquire pulls the image as the pull policy requires, then creates and
// starts an idle container for env.
func (d *DockerProvisioner) Acquire(ctx context.Context, env pipeline.Environment) (pipeline.Handle, error) {
	if env.Image == "" {
		return nil, errors.New("sandbox: image is required")
	}
	if err := d.ensureImage(ctx, env.Image); err != nil {
		return nil, fmt.Errorf("sandbox: failed to pull image %s: %w", env.Image, err)
	}

	cfg := &container.Config{
		Image:      env.Image,
		Entrypoint: idleCommand,
		Env:        buildEnv(env.Env),
		WorkingDir: env.WorkDir,
		Labels:     d.labels,
	}
	resp, err := d.client.ContainerCreate(ctx, cfg, buildHostConfig(env), nil, nil, "")
	if err != nil {
		return nil, fmt.Errorf("sandbox: failed to create container: %w", err)
	}
	if err := d.client.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		_ = d.remove(context.WithoutCancel(ctx), resp.ID)
		return nil, fmt.Errorf("sandbox: failed to start container: %w", err)
	}

	d.mu.Lock()
	d.live[resp.ID] = env.Image
	d.mu.Unlock()
	d.logger.Debug("Container started", "image", env.Image, "container", shortID(resp.ID))
	return &containerHandle{client: d.client, id: resp.ID, env: env}, nil
}

// Release force-removes the container behind h.
func (d *DockerProvisioner) Release(ctx context.Context, h pipeline.Handle) error {
	d.mu.Lock()
	_, ok := d.live[h.ID()]
	delete(d.live, h.ID())
	d.mu.Unlock()
	if !ok {
		return fmt.Errorf("sandbox: container %s is not managed by this provisioner", shortID(h.ID()))
	}
	if err := d.remove(ctx, h.ID()); err != nil {
		return fmt.Errorf("sandbox: failed to remove container %s: %w", shortID(h.ID()), err)
	}
	d.logger.Debug("Container removed", "container", shortID(h.ID()))
	return nil
}

// Live returns the IDs of containers acquired and not yet released.
func (d *DockerProvisioner) Live() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return slices.Sorted(maps.Keys(d.live))
}

// Close removes any containers still live and closes the Docker client.
func (d *DockerProvisioner) Close(ctx context.Context) error {
	var errs []error
	for _, id := range d.Live() {
		if err := d.remove(ctx, id); err != nil {
			errs = append(errs, err)
		}
	}
	d.mu.Lock()
	clear(d.live)
	d.mu.Unlock()
	if d.client != nil {
		errs = append(errs, d.client.Close())
	}
	return errors.Join(errs...)
}

func (d *DockerProvisioner) remove(ctx context.Context, id string) error {
	return d.client.ContainerRemove(ctx, id, container.RemoveOptions{Force: true, RemoveVolumes: true})
}

func (d *DockerProvisioner) ensureImage(ctx context.Context, ref string) error {
	switch d.pull {
	case PullNever:
		return nil
	case PullMissing:
		if _, _, err := d.client.ImageInspectWithRaw(ctx, ref); err == nil {
			return nil
		}
	}

	d.logger.Info("Pulling image", "image", ref)
	reader, err := d.client.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return err
	}
	defer reader.Close()
	return drainJSONStream(reader)
}

// containerHandle is an acquired environment container.
type containerHandle struct {
	client *client.Client
	id     string
	env    pipeline.Environment
}

func (h *containerHandle) ID() string                        { return h.id }
func (h *containerHandle) Environment() pipeline.Environment { return h.env }

// Exec runs argv in the container and streams its output. Cancelling ctx
// stops waiting for output; the process itself is left to the container's
// removal.
func (h *containerHandle) Exec(ctx context.Context, argv []string, env map[string]string, stdout, stderr io.Writer) (int, error) {
	if len(argv) == 0 {
		return -1, errors.New("sandbox: command is required")
	}
	if stdout == nil {
		stdout = io.Discard
	}
	if stderr == nil {
		stderr = io.Discard
	}

	created, err := h.client.ContainerExecCreate(ctx, h.id, container.ExecOptions{
		Cmd:          argv,
		Env:          buildEnv(env),
		WorkingDir:   h.env.WorkDir,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return -1, fmt.Errorf("sandbox: exec create: %w", err)
	}

	attach, err := h.client.ContainerExecAttach(ctx, created.ID, container.ExecAttachOptions{})
	if err != nil {
		return -1, fmt.Errorf("sandbox: exec attach: %w", err)
	}
	defer attach.Close()

	copied := make(chan error, 1)
	go func() {
		_, err := stdcopy.StdCopy(stdout, stderr, attach.Reader)
		copied <- err
	}()
	select {
	case err := <-copied:
		if err != nil {
			return -1, fmt.Errorf("sandbox: read exec output: %w", err)
		}
	case <-ctx.Done():
		return -1, ctx.Err()
	}

	inspect, err := h.client.ContainerExecInspect(ctx, created.ID)
	if err != nil {
		return -1, fmt.Errorf("sandbox: exec inspect: %w", err)
	}
	return inspect.ExitCode, nil
}

// buildEnv converts an env map into Docker's sorted KEY=VALUE form.
func buildEnv(env map[string]string) []string {
	if len(env) == 0 {
		return nil
	}
	out := make([]string, 0, len(env))
	for _, k := range slices.Sorted(maps.Keys(env)) {
		out = append(out, k+"="+env[k])
	}
	return out
}

// buildHostConfig maps resource limits, mounts and network mode.
func buildHostConfig(env pipeline.Environment) *container.HostConfig {
	hc := &container.HostConfig{Init: new(bool)}
	*hc.Init = true

	if env.MemoryLimit > 0 {
		hc.Resources.Memory = env.MemoryLimit
	}
	if env.CPULimit > 0 {
		// 1 CPU = 1e9 NanoCPUs
		hc.Resources.NanoCPUs = int64(env.CPULimit * 1e9)
	}
	for _, m := range env.Mounts {
		hc.Mounts = append(hc.Mounts, mount.Mount{
			Type:     mount.TypeBind,
			Source:   m.Source,
			Target:   m.Target,
			ReadOnly: m.ReadOnly,
		})
	}
	if env.NetworkMode != "" {
		hc.NetworkMode = container.NetworkMode(env.NetworkMode)
	}
	return hc
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
