package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// Environment statuses reconciled from the container runtime on every load.
// "dead" means the registry has a record with no matching live container.
const (
	StatusCreated = "created"
	StatusRunning = "running"
	StatusStopped = "stopped"
	StatusDead    = "dead"
)

// DeletedFolderID is the reserved folder tag marking an environment as
// soft-deleted. Tagged environments are excluded from folder listings until
// they are hard-deleted or pruned.
const DeletedFolderID = "deleted"

// MaxNameLength bounds environment and folder names.
const MaxNameLength = 128

// Recognized keys in the free-form Options bag. Unrecognized keys are
// preserved round-trip.
const (
	OptionMountConfig = "mount_config"
	OptionPort        = "port"
	OptionRuntime     = "runtime"
)

// Recognized keys in the free-form Metadata bag.
const (
	MetaCreatedAt = "created_at"
	MetaDeletedAt = "deleted_at"
	MetaBaseImage = "base_image"
)

// RuntimeNvidia requests all available GPU devices at container create time.
const RuntimeNvidia = "nvidia"

// Environment describes one provisioned container-backed workspace. ID is the
// runtime-assigned container identifier and stays empty until the backing
// container exists.
type Environment struct {
	Name            string         `json:"name"`
	Image           string         `json:"image"`
	ContainerName   string         `json:"container_name"`
	ID              string         `json:"id"`
	Status          string         `json:"status"`
	Command         string         `json:"command"`
	SourceDirectory string         `json:"source_directory"`
	Duplicate       bool           `json:"duplicate"`
	Options         map[string]any `json:"options"`
	Metadata        map[string]any `json:"metadata"`
	FolderIDs       []string       `json:"folderIds"`
}

// EnvironmentUpdate carries the mutable fields of an environment. Nil fields
// are left unchanged.
type EnvironmentUpdate struct {
	Name      *string  `json:"name"`
	FolderIDs []string `json:"folderIds"`
}

// Validate reports whether the record is well-formed enough to persist.
func (e *Environment) Validate() error {
	if e.Name == "" {
		return fmt.Errorf("%w: environment name is required", ErrValidation)
	}
	if len(e.Name) > MaxNameLength {
		return fmt.Errorf("%w: environment name exceeds %d characters", ErrValidation, MaxNameLength)
	}
	return nil
}

// MountConfig returns the declarative mount configuration from the options
// bag, or an empty map when none is set.
func (e *Environment) MountConfig() map[string]any {
	if cfg, ok := e.Options[OptionMountConfig].(map[string]any); ok {
		return cfg
	}
	return map[string]any{}
}

// Port returns the configured listen port, falling back to the given default.
func (e *Environment) Port(fallback int) int {
	if p, ok := asInt(e.Options[OptionPort]); ok {
		return p
	}
	return fallback
}

// RuntimeName returns the requested container runtime, e.g. "nvidia".
func (e *Environment) RuntimeName() string {
	if r, ok := e.Options[OptionRuntime].(string); ok {
		return r
	}
	return ""
}

// IsDeleted reports whether the environment carries the soft-delete tag.
func (e *Environment) IsDeleted() bool {
	for _, id := range e.FolderIDs {
		if id == DeletedFolderID {
			return true
		}
	}
	return false
}

// MarkDeleted tags the environment as soft-deleted and records the deletion
// timestamp. Idempotent on the tag.
func (e *Environment) MarkDeleted(at time.Time) {
	e.FolderIDs = []string{DeletedFolderID}
	if e.Metadata == nil {
		e.Metadata = map[string]any{}
	}
	e.Metadata[MetaDeletedAt] = float64(at.Unix())
}

// DeletedAt returns the soft-deletion timestamp in unix seconds, or zero when
// the environment was never tagged.
func (e *Environment) DeletedAt() float64 {
	if v, ok := asFloat(e.Metadata[MetaDeletedAt]); ok {
		return v
	}
	return 0
}

// InFolder reports membership of a folder tag.
func (e *Environment) InFolder(folderID string) bool {
	for _, id := range e.FolderIDs {
		if id == folderID {
			return true
		}
	}
	return false
}

// asInt tolerates the numeric shapes a JSON round-trip can produce.
func asInt(v any) (int, bool) {
	f, ok := asFloat(v)
	if !ok {
		return 0, false
	}
	return int(f), true
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		if err != nil {
			return 0, false
		}
		return f, true
	}
	return 0, false
}
