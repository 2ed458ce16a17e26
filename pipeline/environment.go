package pipeline

import (
	"context"
	"io"
)

// Mount describes a bind mount from the host into an environment.
type Mount struct {
	Source   string
	Target   string
	ReadOnly bool
}

// Environment describes an isolated execution context, typically a container
// image. Image is its identifier.
type Environment struct {
	Image       string
	WorkDir     string
	Env         map[string]string
	Mounts      []Mount
	NetworkMode string
	MemoryLimit int64
	CPULimit    float64
}

// Handle is an acquired environment.
type Handle interface {
	// ID identifies the underlying resource, e.g. a container ID.
	ID() string
	// Environment returns the description the handle was acquired from.
	Environment() Environment
	// Exec runs argv inside the environment, streaming output to stdout and
	// stderr. A non-zero exit code is not an error.
	Exec(ctx context.Context, argv []string, env map[string]string, stdout, stderr io.Writer) (int, error)
}

// Provisioner creates and tears down environments. Acquire may block until
// the underlying resource is available.
type Provisioner interface {
	Acquire(ctx context.Context, env Environment) (Handle, error)
	Release(ctx context.Context, h Handle) error
}

type handleKey struct{}

// WithHandle returns a copy of ctx carrying h as the active environment.
func WithHandle(ctx context.Context, h Handle) context.Context {
	return context.WithValue(ctx, handleKey{}, h)
}

// HandleFromContext returns the innermost environment handle acquired for the
// running step, if any.
func HandleFromContext(ctx context.Context) (Handle, bool) {
	h, ok := ctx.Value(handleKey{}).(Handle)
	return h, ok && h != nil
}
