package ports

import (
	"context"
	"time"

	"github.com/envdock/envdock/internal/core/domain"
)

// ContainerSpec is everything the runtime needs to provision a container.
// Only bind-kind mount entries are handed over; copies happen after start.
type ContainerSpec struct {
	Image   string
	Name    string
	Command []string
	Port    int
	Mounts  []domain.MountEntry
	GPU     bool
}

// RuntimeEvent is one lifecycle event from the container engine's stream.
type RuntimeEvent struct {
	Type        string
	Action      string
	ContainerID string
}

// Runtime is the capability interface to the container engine. Implementations
// translate engine-specific failures into the domain error taxonomy:
// domain.ErrConnection, domain.ErrNotFound, or a wrapped operation error.
// This interface allows us to switch between Docker, Podman, or another
// engine without changing the lifecycle logic.
type Runtime interface {
	// EnsureImage checks whether the image exists locally and pulls it if not.
	EnsureImage(ctx context.Context, image string) error

	// ImageExists returns domain.ErrNotFound when the image is absent locally.
	ImageExists(ctx context.Context, image string) error

	// CreateContainer provisions a container without starting it and returns
	// the runtime-assigned container id.
	CreateContainer(ctx context.Context, spec ContainerSpec) (string, error)

	// ContainerStatus returns the normalized status of a container:
	// created, running, stopped or dead.
	ContainerStatus(ctx context.Context, id string) (string, error)

	StartContainer(ctx context.Context, id string) error
	StopContainer(ctx context.Context, id string, timeout time.Duration) error
	RestartContainer(ctx context.Context, id string, timeout time.Duration) error
	RemoveContainer(ctx context.Context, id string) error

	// CommitContainer commits the container's filesystem as repository:tag.
	CommitContainer(ctx context.Context, id, repository, tag string) error

	// RemoveImage removes an image; an absent image is not an error.
	RemoveImage(ctx context.Context, image string, force bool) error

	// Exec runs a command inside a running container and captures its output.
	Exec(ctx context.Context, id string, cmd []string) (string, error)

	// CopyTree transfers a host directory tree into the container, skipping
	// directories whose name appears in excludeDirs.
	CopyTree(ctx context.Context, id, hostPath, containerPath string, excludeDirs []string) error

	// Events subscribes to the engine's lifecycle event stream. Both channels
	// close when ctx is cancelled.
	Events(ctx context.Context) (<-chan RuntimeEvent, <-chan error)
}
