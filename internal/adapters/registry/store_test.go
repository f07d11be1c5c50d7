package registry

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gofrs/flock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/envdock/envdock/internal/core/domain"
)

func newTestStore(t *testing.T, timeout time.Duration) *Store {
	t.Helper()
	return NewStore(filepath.Join(t.TempDir(), "environments.json"), timeout, zap.NewNop())
}

func TestStoreRoundTrip(t *testing.T) {
	store := newTestStore(t, 0)
	ctx := context.Background()

	envs := []domain.Environment{
		{
			Name:          "alpha",
			Image:         "reg.example/app:1.0",
			ContainerName: "env-1234",
			ID:            "ctr-1",
			Status:        domain.StatusCreated,
			Options:       map[string]any{"port": float64(9000)},
			Metadata:      map[string]any{"created_at": float64(1700000000)},
			FolderIDs:     []string{"folder-a"},
		},
	}
	require.NoError(t, store.Save(ctx, envs))

	loaded, err := store.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, envs, loaded)
}

func TestStoreLoadMissingFile(t *testing.T) {
	store := newTestStore(t, 0)
	envs, err := store.Load(context.Background())
	require.NoError(t, err)
	assert.Empty(t, envs)
}

func TestStoreLoadCorruptFile(t *testing.T) {
	store := newTestStore(t, 0)
	require.NoError(t, os.WriteFile(store.dbFile, []byte("{not json"), 0o644))

	_, err := store.Load(context.Background())
	assert.ErrorIs(t, err, domain.ErrPersistence)
}

func TestStoreSaveValidates(t *testing.T) {
	store := newTestStore(t, 0)

	err := store.Save(context.Background(), []domain.Environment{{Name: ""}})
	assert.ErrorIs(t, err, domain.ErrValidation)

	err = store.Save(context.Background(), []domain.Environment{{Name: strings.Repeat("x", 129)}})
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestStoreLockTimeout(t *testing.T) {
	store := newTestStore(t, 150*time.Millisecond)

	holder := flock.New(store.lockFile)
	locked, err := holder.TryLock()
	require.NoError(t, err)
	require.True(t, locked)
	defer holder.Unlock() //nolint:errcheck

	_, err = store.Load(context.Background())
	assert.ErrorIs(t, err, domain.ErrLockTimeout)

	err = store.Save(context.Background(), []domain.Environment{{Name: "a"}})
	assert.ErrorIs(t, err, domain.ErrLockTimeout)
}
