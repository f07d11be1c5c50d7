// Package mounts turns declarative mount configurations into concrete mount
// operations. Two configuration shapes are accepted: the canonical
// {"mounts": [...]} list and a legacy {subpath: "mount"|"copy"} mapping.
// Normalization to the canonical shape happens exactly once, at this
// boundary; nothing deeper ever branches on the shape.
package mounts

import (
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/envdock/envdock/internal/core/domain"
)

const (
	// WorkspacePath is the container-side root the application expects.
	// Relative container paths from legacy configurations resolve under it.
	WorkspacePath = "/app/workspace"

	// CustomNodesDir is the workspace subdirectory holding user extensions.
	// Injecting content under it triggers the dependency installer.
	CustomNodesDir = "custom_nodes"

	// DriverPath is a host driver directory present only in certain
	// virtualization setups. It is bind-mounted read-only when it exists.
	DriverPath = "/usr/lib/wsl"
)

// CopyExcludeDirs are directory names never transferred by copy-kind entries:
// package-manager caches and version-control metadata.
var CopyExcludeDirs = []string{"__pycache__", ".git"}

// Normalize resolves a raw mount configuration into canonical entries. It is
// pure and total: malformed or unknown entries are dropped, never fatal, and
// the same input always yields the same list. Relative host paths resolve
// against sourceRoot.
func Normalize(raw map[string]any, sourceRoot string) []domain.MountEntry {
	if list, ok := raw["mounts"].([]any); ok {
		return normalizeCanonical(list, sourceRoot)
	}
	return normalizeLegacy(raw, sourceRoot)
}

func normalizeCanonical(list []any, sourceRoot string) []domain.MountEntry {
	var entries []domain.MountEntry
	for _, item := range list {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		kind := domain.MountKind(strings.ToLower(stringField(m, "type")))
		if kind != domain.MountKindBind && kind != domain.MountKindCopy {
			continue
		}
		containerPath := stringField(m, "container_path")
		hostPath := stringField(m, "host_path")
		if containerPath == "" || hostPath == "" {
			continue
		}
		if !filepath.IsAbs(hostPath) {
			hostPath = filepath.Join(sourceRoot, hostPath)
		}
		readOnly, _ := m["read_only"].(bool)
		entries = append(entries, domain.MountEntry{
			ContainerPath: path.Clean(containerPath),
			HostPath:      hostPath,
			Kind:          kind,
			ReadOnly:      readOnly,
		})
	}
	return entries
}

// normalizeLegacy translates the old {subpath: action} mapping. Keys are
// sorted so the result is deterministic regardless of map iteration order.
func normalizeLegacy(raw map[string]any, sourceRoot string) []domain.MountEntry {
	subpaths := make([]string, 0, len(raw))
	for sub := range raw {
		action, ok := raw[sub].(string)
		if !ok {
			continue
		}
		kind := domain.MountKind(strings.ToLower(action))
		if kind != domain.MountKindBind && kind != domain.MountKindCopy {
			continue
		}
		subpaths = append(subpaths, sub)
	}
	sort.Strings(subpaths)

	entries := make([]domain.MountEntry, 0, len(subpaths))
	for _, sub := range subpaths {
		entries = append(entries, domain.MountEntry{
			ContainerPath: path.Join(WorkspacePath, sub),
			HostPath:      filepath.Join(sourceRoot, sub),
			Kind:          domain.MountKind(strings.ToLower(raw[sub].(string))),
			ReadOnly:      false,
		})
	}
	return entries
}

// Binds returns the bind-kind entries ready to hand to the runtime at
// container-create time. Missing host directories are created so the
// container always finds its expected structure. The optional host driver
// directory is appended read-only when present; its absence never fails
// resolution.
func Binds(entries []domain.MountEntry, driverPath string) ([]domain.MountEntry, error) {
	var binds []domain.MountEntry
	for _, entry := range entries {
		if entry.Kind != domain.MountKindBind {
			continue
		}
		if err := os.MkdirAll(entry.HostPath, 0o755); err != nil {
			return nil, fmt.Errorf("create host mount directory %s: %w", entry.HostPath, err)
		}
		binds = append(binds, entry)
	}
	if driverPath != "" {
		if info, err := os.Stat(driverPath); err == nil && info.IsDir() {
			binds = append(binds, domain.MountEntry{
				ContainerPath: driverPath,
				HostPath:      driverPath,
				Kind:          domain.MountKindBind,
				ReadOnly:      true,
			})
		}
	}
	return binds, nil
}

// Copies returns the copy-kind entries, realized after the container is
// running.
func Copies(entries []domain.MountEntry) []domain.MountEntry {
	var copies []domain.MountEntry
	for _, entry := range entries {
		if entry.Kind == domain.MountKindCopy {
			copies = append(copies, entry)
		}
	}
	return copies
}

// TargetsCustomNodes reports whether a container path carries the custom
// nodes path segment.
func TargetsCustomNodes(containerPath string) bool {
	return strings.Contains(containerPath, CustomNodesDir)
}

func stringField(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}
