package mounts

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/envdock/envdock/internal/core/domain"
)

func TestNormalize(t *testing.T) {
	t.Run("canonical entries pass through with resolved host paths", func(t *testing.T) {
		raw := map[string]any{
			"mounts": []any{
				map[string]any{
					"container_path": "/app/workspace/models",
					"host_path":      "models",
					"type":           "mount",
					"read_only":      true,
				},
				map[string]any{
					"container_path": "/app/workspace/custom_nodes",
					"host_path":      "/abs/custom_nodes",
					"type":           "copy",
				},
			},
		}

		entries := Normalize(raw, "/srv/workspace")

		require.Len(t, entries, 2)
		assert.Equal(t, filepath.Join("/srv/workspace", "models"), entries[0].HostPath)
		assert.Equal(t, domain.MountKindBind, entries[0].Kind)
		assert.True(t, entries[0].ReadOnly)
		assert.Equal(t, "/abs/custom_nodes", entries[1].HostPath)
		assert.Equal(t, domain.MountKindCopy, entries[1].Kind)
		assert.False(t, entries[1].ReadOnly)
	})

	t.Run("legacy and canonical forms of the same intent agree", func(t *testing.T) {
		legacy := map[string]any{
			"models":       "mount",
			"custom_nodes": "copy",
		}
		canonical := map[string]any{
			"mounts": []any{
				map[string]any{
					"container_path": "/app/workspace/custom_nodes",
					"host_path":      "custom_nodes",
					"type":           "copy",
				},
				map[string]any{
					"container_path": "/app/workspace/models",
					"host_path":      "models",
					"type":           "mount",
				},
			},
		}

		fromLegacy := Normalize(legacy, "/srv/ws")
		fromCanonical := Normalize(canonical, "/srv/ws")

		assert.ElementsMatch(t, fromLegacy, fromCanonical)
	})

	t.Run("legacy normalization is deterministic", func(t *testing.T) {
		raw := map[string]any{
			"output": "mount",
			"models": "mount",
			"input":  "copy",
		}
		first := Normalize(raw, "/srv/ws")
		for i := 0; i < 20; i++ {
			assert.Equal(t, first, Normalize(raw, "/srv/ws"))
		}
	})

	t.Run("unknown actions and malformed entries are dropped", func(t *testing.T) {
		raw := map[string]any{
			"models":  "symlink",
			"weights": 42,
			"input":   "copy",
		}
		entries := Normalize(raw, "/srv/ws")
		require.Len(t, entries, 1)
		assert.Equal(t, domain.MountKindCopy, entries[0].Kind)
	})

	t.Run("empty configuration resolves to no entries", func(t *testing.T) {
		assert.Empty(t, Normalize(map[string]any{}, "/srv/ws"))
		assert.Empty(t, Normalize(map[string]any{"mounts": []any{}}, "/srv/ws"))
	})
}

func TestBinds(t *testing.T) {
	t.Run("creates missing host directories for bind entries", func(t *testing.T) {
		root := t.TempDir()
		entries := []domain.MountEntry{
			{ContainerPath: "/app/workspace/models", HostPath: filepath.Join(root, "models"), Kind: domain.MountKindBind},
			{ContainerPath: "/app/workspace/input", HostPath: filepath.Join(root, "input"), Kind: domain.MountKindCopy},
		}

		binds, err := Binds(entries, "")
		require.NoError(t, err)

		require.Len(t, binds, 1)
		info, err := os.Stat(filepath.Join(root, "models"))
		require.NoError(t, err)
		assert.True(t, info.IsDir())
		_, err = os.Stat(filepath.Join(root, "input"))
		assert.True(t, os.IsNotExist(err), "copy sources must not be created")
	})

	t.Run("appends driver directory read-only when present", func(t *testing.T) {
		driver := t.TempDir()
		binds, err := Binds(nil, driver)
		require.NoError(t, err)
		require.Len(t, binds, 1)
		assert.Equal(t, driver, binds[0].HostPath)
		assert.True(t, binds[0].ReadOnly)
	})

	t.Run("absent driver directory is additive only", func(t *testing.T) {
		binds, err := Binds(nil, filepath.Join(t.TempDir(), "missing"))
		require.NoError(t, err)
		assert.Empty(t, binds)
	})
}

func TestCopies(t *testing.T) {
	entries := []domain.MountEntry{
		{ContainerPath: "/app/workspace/models", Kind: domain.MountKindBind},
		{ContainerPath: "/app/workspace/custom_nodes", Kind: domain.MountKindCopy},
	}
	copies := Copies(entries)
	require.Len(t, copies, 1)
	assert.Equal(t, "/app/workspace/custom_nodes", copies[0].ContainerPath)
}

func TestTargetsCustomNodes(t *testing.T) {
	assert.True(t, TargetsCustomNodes("/app/workspace/custom_nodes"))
	assert.True(t, TargetsCustomNodes("/app/workspace/custom_nodes/foo"))
	assert.False(t, TargetsCustomNodes("/app/workspace/models"))
}
