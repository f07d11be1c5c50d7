package domain

// MountKind distinguishes persistent bind-mounts from one-shot copies.
type MountKind string

const (
	// MountKindBind is a persistent bind from a host path into the container,
	// present for the container's lifetime.
	MountKindBind MountKind = "mount"

	// MountKindCopy is a one-shot transfer of host content into the container
	// filesystem, performed once after the container is running.
	MountKindCopy MountKind = "copy"
)

// MountEntry is one concrete mount operation derived from the declarative
// mount configuration. HostPath is always absolute after resolution.
type MountEntry struct {
	ContainerPath string    `json:"container_path"`
	HostPath      string    `json:"host_path"`
	Kind          MountKind `json:"type"`
	ReadOnly      bool      `json:"read_only"`
}
