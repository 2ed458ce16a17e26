package steps

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/distribution/reference"
	"github.com/docker/docker/api/types/build"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/registry"
	dockerclient "github.com/docker/docker/client"

	"github.com/GoCodeAlone/stageflow/pipeline"
	"github.com/GoCodeAlone/stageflow/sandbox"
)

func newDockerClient() (*dockerclient.Client, error) {
	return dockerclient.NewClientWithOpts(dockerclient.FromEnv, dockerclient.WithAPIVersionNegotiation())
}

// DockerBuildStep builds an image from a context directory. Tags and build
// args are templates. Its output is the built image ID.
type DockerBuildStep struct {
	name        string
	contextPath string
	dockerfile  string
	tags        []string
	buildArgs   map[string]string
	cacheFrom   []string
	excludes    []string
	noCache     bool
	stdout      io.Writer
}

func newDockerBuildStep(name string, cfg map[string]any, deps Deps) (pipeline.Action, error) {
	contextPath := stringValue(cfg, "context")
	if contextPath == "" {
		contextPath = "."
	}
	dockerfile := stringValue(cfg, "dockerfile")
	if dockerfile == "" {
		dockerfile = "Dockerfile"
	}
	tags, err := stringList(cfg, "tags")
	if err != nil {
		return nil, fmt.Errorf("docker_build step %q: %w", name, err)
	}
	if len(tags) == 0 {
		return nil, fmt.Errorf("docker_build step %q: 'tags' is required", name)
	}
	buildArgs, err := stringMap(cfg, "build_args")
	if err != nil {
		return nil, fmt.Errorf("docker_build step %q: %w", name, err)
	}
	cacheFrom, err := stringList(cfg, "cache_from")
	if err != nil {
		return nil, fmt.Errorf("docker_build step %q: %w", name, err)
	}
	excludes, err := stringList(cfg, "exclude")
	if err != nil {
		return nil, fmt.Errorf("docker_build step %q: %w", name, err)
	}

	return &DockerBuildStep{
		name:        name,
		contextPath: contextPath,
		dockerfile:  dockerfile,
		tags:        tags,
		buildArgs:   buildArgs,
		cacheFrom:   cacheFrom,
		excludes:    excludes,
		noCache:     boolValue(cfg, "no_cache"),
		stdout:      deps.Stdout,
	}, nil
}

// buildOptions resolves the templated parts of the step against rc.
func (s *DockerBuildStep) buildOptions(rc *pipeline.RunContext) (build.ImageBuildOptions, error) {
	tags, err := expandAll(rc, s.tags)
	if err != nil {
		return build.ImageBuildOptions{}, fmt.Errorf("tags: %w", err)
	}
	args, err := expandMap(rc, s.buildArgs)
	if err != nil {
		return build.ImageBuildOptions{}, fmt.Errorf("build_args: %w", err)
	}
	cacheFrom, err := expandAll(rc, s.cacheFrom)
	if err != nil {
		return build.ImageBuildOptions{}, fmt.Errorf("cache_from: %w", err)
	}
	buildArgs := make(map[string]*string, len(args))
	for k, v := range args {
		buildArgs[k] = &v
	}
	return build.ImageBuildOptions{
		Tags:       tags,
		Dockerfile: filepath.ToSlash(s.dockerfile),
		BuildArgs:  buildArgs,
		CacheFrom:  cacheFrom,
		NoCache:    s.noCache,
		Remove:     true,
		Labels: map[string]string{
			"io.stageflow.run-id":   rc.RunID(),
			"io.stageflow.pipeline": rc.Pipeline(),
		},
	}, nil
}

// Run builds the image with the Docker daemon configured by the environment.
func (s *DockerBuildStep) Run(ctx context.Context, rc *pipeline.RunContext) (string, error) {
	opts, err := s.buildOptions(rc)
	if err != nil {
		return "", fmt.Errorf("docker_build step %q: %w", s.name, err)
	}
	contextPath, err := rc.Expand(s.contextPath)
	if err != nil {
		return "", fmt.Errorf("docker_build step %q: failed to resolve context: %w", s.name, err)
	}

	cli, err := newDockerClient()
	if err != nil {
		return "", fmt.Errorf("docker_build step %q: failed to create Docker client: %w", s.name, err)
	}
	defer cli.Close()

	buildCtx, err := sandbox.ArchiveDir(contextPath, s.excludes)
	if err != nil {
		return "", fmt.Errorf("docker_build step %q: failed to create build context: %w", s.name, err)
	}
	defer buildCtx.Close()

	resp, err := cli.ImageBuild(ctx, buildCtx, opts)
	if err != nil {
		return "", fmt.Errorf("docker_build step %q: build failed: %w", s.name, err)
	}
	defer resp.Body.Close()

	imageID, err := parseBuildOutput(resp.Body, s.stdout)
	if err != nil {
		return "", fmt.Errorf("docker_build step %q: %w", s.name, err)
	}
	return imageID, nil
}

// parseBuildOutput copies build log lines to w and returns the image ID the
// daemon reports.
func parseBuildOutput(r io.Reader, w io.Writer) (string, error) {
	var imageID string
	err := sandbox.ReadStream(r, func(msg sandbox.StreamMessage) {
		if msg.Stream != "" {
			_, _ = io.WriteString(w, msg.Stream)
		}
		if msg.Aux.ID != "" {
			imageID = msg.Aux.ID
		}
	})
	if err != nil {
		return "", err
	}
	if imageID == "" {
		return "", fmt.Errorf("build finished without reporting an image ID")
	}
	return imageID, nil
}

// DockerPushStep pushes an image reference. Registry credentials are read
// from the env variables named by username_env and password_env. Its output
// is the pushed digest.
type DockerPushStep struct {
	name        string
	image       string
	registry    string
	usernameEnv string
	passwordEnv string
	stdout      io.Writer
}

func newDockerPushStep(name string, cfg map[string]any, deps Deps) (pipeline.Action, error) {
	img := stringValue(cfg, "image")
	if img == "" {
		return nil, fmt.Errorf("docker_push step %q: 'image' is required", name)
	}
	s := &DockerPushStep{
		name:        name,
		image:       img,
		registry:    stringValue(cfg, "registry"),
		usernameEnv: stringValue(cfg, "username_env"),
		passwordEnv: stringValue(cfg, "password_env"),
		stdout:      deps.Stdout,
	}
	if (s.usernameEnv == "") != (s.passwordEnv == "") {
		return nil, fmt.Errorf("docker_push step %q: 'username_env' and 'password_env' must be set together", name)
	}
	return s, nil
}

// reference resolves the image to push. A configured registry is prepended
// to references that do not name a registry of their own.
func (s *DockerPushStep) reference(rc *pipeline.RunContext) (reference.Named, error) {
	raw, err := rc.Expand(s.image)
	if err != nil {
		return nil, err
	}
	named, err := reference.ParseNormalizedNamed(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid image reference %q: %w", raw, err)
	}
	if s.registry == "" || reference.Domain(named) != dockerHubDomain {
		return named, nil
	}
	prefixed := strings.TrimSuffix(s.registry, "/") + "/" + raw
	named, err = reference.ParseNormalizedNamed(prefixed)
	if err != nil {
		return nil, fmt.Errorf("invalid image reference %q: %w", prefixed, err)
	}
	return named, nil
}

// registryAuth encodes the credentials for ref, or returns "" when none are
// configured.
func (s *DockerPushStep) registryAuth(rc *pipeline.RunContext, ref reference.Named) (string, error) {
	if s.usernameEnv == "" {
		return "", nil
	}
	lookup := func(name string) (string, error) {
		if v, ok := rc.LookupEnv(name); ok {
			return v, nil
		}
		if v, ok := os.LookupEnv(name); ok {
			return v, nil
		}
		return "", fmt.Errorf("credential variable %s is not set", name)
	}
	user, err := lookup(s.usernameEnv)
	if err != nil {
		return "", err
	}
	pass, err := lookup(s.passwordEnv)
	if err != nil {
		return "", err
	}
	return registry.EncodeAuthConfig(registry.AuthConfig{
		Username:      user,
		Password:      pass,
		ServerAddress: registryHost(ref),
	})
}

// Run pushes the image with the Docker daemon configured by the environment.
func (s *DockerPushStep) Run(ctx context.Context, rc *pipeline.RunContext) (string, error) {
	ref, err := s.reference(rc)
	if err != nil {
		return "", fmt.Errorf("docker_push step %q: failed to resolve image: %w", s.name, err)
	}
	auth, err := s.registryAuth(rc, ref)
	if err != nil {
		return "", fmt.Errorf("docker_push step %q: %w", s.name, err)
	}

	cli, err := newDockerClient()
	if err != nil {
		return "", fmt.Errorf("docker_push step %q: failed to create Docker client: %w", s.name, err)
	}
	defer cli.Close()

	reader, err := cli.ImagePush(ctx, reference.FamiliarString(ref), image.PushOptions{RegistryAuth: auth})
	if err != nil {
		return "", fmt.Errorf("docker_push step %q: push failed: %w", s.name, err)
	}
	defer reader.Close()

	digest, err := parsePushOutput(reader, s.stdout)
	if err != nil {
		return "", fmt.Errorf("docker_push step %q: %w", s.name, err)
	}
	return digest, nil
}

// parsePushOutput copies status lines to w and returns the last digest the
// daemon reports.
func parsePushOutput(r io.Reader, w io.Writer) (string, error) {
	var digest string
	err := sandbox.ReadStream(r, func(msg sandbox.StreamMessage) {
		if msg.Status != "" {
			_, _ = fmt.Fprintln(w, msg.Status)
		}
		if msg.Aux.Digest != "" {
			digest = msg.Aux.Digest
		}
	})
	return digest, err
}

const (
	dockerHubDomain      = "docker.io"
	dockerHubAuthAddress = "https://index.docker.io/v1/"
)

// registryHost returns the address credentials for ref are registered
// under. Docker Hub uses its legacy index address.
func registryHost(ref reference.Named) string {
	if domain := reference.Domain(ref); domain != dockerHubDomain {
		return domain
	}
	return dockerHubAuthAddress
}
