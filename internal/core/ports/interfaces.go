package ports

import (
	"context"
	"io"

	"github.com/manthysbr/labrunner/internal/core/domain"
)

// ContainerRuntime abstracts the container engine (Docker, Podman, etc.)
type ContainerRuntime interface {
	// ImageExists reports whether ref is present in the local image store.
	ImageExists(ctx context.Context, ref string) (bool, error)

	// BuildImage builds contextDir into an image tagged ref.
	BuildImage(ctx context.Context, contextDir string, ref string) error

	// Start creates and starts a detached container for spec and returns
	// a live handle as soon as the container is running.
	Start(ctx context.Context, spec domain.ExecutionSpec) (Execution, error)
}

// Execution is a live container execution.
type Execution interface {
	// ContainerID returns the runtime's identifier for the container.
	ContainerID() string

	// Stdout yields the container's standard output until it exits.
	Stdout() io.Reader

	// Stderr yields the container's standard error until it exits.
	Stderr() io.Reader

	// Wait blocks until the container exits and returns its exit code.
	Wait(ctx context.Context) (int, error)

	// Close releases the streams and removes the container.
	Close(ctx context.Context) error
}

// JobArchive persists job snapshots for history queries.
type JobArchive interface {
	SaveJob(ctx context.Context, job domain.Job) error
	GetJob(ctx context.Context, id domain.JobID) (domain.Job, error)
	ListJobs(ctx context.Context) ([]domain.Job, error)
}
