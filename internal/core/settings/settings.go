// Package settings persists per-user preferences and folder definitions in a
// JSON file next to the registry. Like the registry, the file is shared across
// process instances and guarded by an advisory lock with a bounded wait.
package settings

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/gofrs/flock"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/envdock/envdock/internal/core/domain"
)

const (
	// DefaultPort mirrors the engine's default in-container listen port.
	DefaultPort = 8188

	// DefaultMaxDeleted mirrors the engine's soft-delete retention bound.
	DefaultMaxDeleted = 10

	// DefaultRuntime requests GPU access for new environments; users on
	// CPU-only hosts clear it.
	DefaultRuntime = domain.RuntimeNvidia

	lockRetryInterval = 50 * time.Millisecond
)

// Folder groups environments for listing. Membership lives on the
// environment records; folders themselves carry only identity.
type Folder struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// UserSettings is the persisted preference set. New environments are seeded
// from these values.
type UserSettings struct {
	WorkspacePath          string   `json:"workspace_path"`
	Port                   int      `json:"port"`
	Runtime                string   `json:"runtime"`
	Command                string   `json:"command"`
	Folders                []Folder `json:"folders"`
	MaxDeletedEnvironments int      `json:"max_deleted_environments"`
}

// Manager loads and saves UserSettings and owns folder lifecycle.
type Manager struct {
	file        string
	lockFile    string
	lockTimeout time.Duration
	log         *zap.Logger
}

func NewManager(file string, lockTimeout time.Duration, log *zap.Logger) *Manager {
	if lockTimeout <= 0 {
		lockTimeout = 10 * time.Second
	}
	return &Manager{
		file:        file,
		lockFile:    file + ".lock",
		lockTimeout: lockTimeout,
		log:         log,
	}
}

// Load returns the persisted settings, falling back to defaults for a missing
// file or unset fields. defaultWorkspacePath seeds the workspace location on
// first run.
func (m *Manager) Load(ctx context.Context, defaultWorkspacePath string) (UserSettings, error) {
	unlock, err := m.acquireLock(ctx)
	if err != nil {
		return UserSettings{}, err
	}
	defer unlock()

	return m.read(defaultWorkspacePath)
}

// Save validates and persists the settings wholesale.
func (m *Manager) Save(ctx context.Context, settings UserSettings) error {
	if err := validate(settings); err != nil {
		return err
	}

	unlock, err := m.acquireLock(ctx)
	if err != nil {
		return err
	}
	defer unlock()

	return m.write(settings)
}

// CreateFolder adds a folder with a generated id. Names must be non-empty,
// within the length bound and unique across existing folders.
func (m *Manager) CreateFolder(ctx context.Context, name string) (Folder, error) {
	unlock, err := m.acquireLock(ctx)
	if err != nil {
		return Folder{}, err
	}
	defer unlock()

	settings, err := m.read("")
	if err != nil {
		return Folder{}, err
	}
	if err := validateFolderName(name, settings.Folders, ""); err != nil {
		return Folder{}, err
	}

	folder := Folder{ID: uuid.NewString(), Name: name}
	settings.Folders = append(settings.Folders, folder)
	if err := m.write(settings); err != nil {
		return Folder{}, err
	}
	m.log.Info("folder created", zap.String("folder_id", folder.ID), zap.String("name", name))
	return folder, nil
}

// UpdateFolder renames an existing folder under the same uniqueness rules.
func (m *Manager) UpdateFolder(ctx context.Context, id, name string) (Folder, error) {
	unlock, err := m.acquireLock(ctx)
	if err != nil {
		return Folder{}, err
	}
	defer unlock()

	settings, err := m.read("")
	if err != nil {
		return Folder{}, err
	}
	if err := validateFolderName(name, settings.Folders, id); err != nil {
		return Folder{}, err
	}

	for i := range settings.Folders {
		if settings.Folders[i].ID == id {
			settings.Folders[i].Name = name
			if err := m.write(settings); err != nil {
				return Folder{}, err
			}
			return settings.Folders[i], nil
		}
	}
	return Folder{}, fmt.Errorf("%w: folder %s", domain.ErrNotFound, id)
}

// DeleteFolder removes a folder. A folder with member environments cannot be
// deleted; callers pass the current environment collection for the check.
func (m *Manager) DeleteFolder(ctx context.Context, id string, envs []domain.Environment) error {
	if FolderInUse(envs, id) {
		return fmt.Errorf("%w: folder %s still contains environments", domain.ErrValidation, id)
	}

	unlock, err := m.acquireLock(ctx)
	if err != nil {
		return err
	}
	defer unlock()

	settings, err := m.read("")
	if err != nil {
		return err
	}

	for i := range settings.Folders {
		if settings.Folders[i].ID == id {
			settings.Folders = append(settings.Folders[:i], settings.Folders[i+1:]...)
			return m.write(settings)
		}
	}
	return fmt.Errorf("%w: folder %s", domain.ErrNotFound, id)
}

// FolderInUse reports whether any environment is a member of the folder.
func FolderInUse(envs []domain.Environment, folderID string) bool {
	for i := range envs {
		if envs[i].InFolder(folderID) {
			return true
		}
	}
	return false
}

func (m *Manager) read(defaultWorkspacePath string) (UserSettings, error) {
	settings := defaults(defaultWorkspacePath)

	data, err := os.ReadFile(m.file)
	if errors.Is(err, os.ErrNotExist) {
		return settings, nil
	}
	if err != nil {
		return UserSettings{}, fmt.Errorf("%w: read %s: %v", domain.ErrPersistence, m.file, err)
	}
	if err := json.Unmarshal(data, &settings); err != nil {
		return UserSettings{}, fmt.Errorf("%w: parse %s: %v", domain.ErrPersistence, m.file, err)
	}

	if settings.Port == 0 {
		settings.Port = DefaultPort
	}
	if settings.MaxDeletedEnvironments == 0 {
		settings.MaxDeletedEnvironments = DefaultMaxDeleted
	}
	if settings.WorkspacePath == "" {
		settings.WorkspacePath = defaultWorkspacePath
	}
	return settings, nil
}

func (m *Manager) write(settings UserSettings) error {
	data, err := json.MarshalIndent(settings, "", "  ")
	if err != nil {
		return fmt.Errorf("%w: encode settings: %v", domain.ErrPersistence, err)
	}
	if err := os.WriteFile(m.file, data, 0o644); err != nil {
		return fmt.Errorf("%w: write %s: %v", domain.ErrPersistence, m.file, err)
	}
	m.log.Debug("settings saved", zap.String("file", m.file))
	return nil
}

func (m *Manager) acquireLock(ctx context.Context) (func(), error) {
	fl := flock.New(m.lockFile)

	lockCtx, cancel := context.WithTimeout(ctx, m.lockTimeout)
	defer cancel()

	ok, err := fl.TryLockContext(lockCtx, lockRetryInterval)
	if err != nil || !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrLockTimeout, m.lockFile)
	}
	return func() {
		if err := fl.Unlock(); err != nil {
			m.log.Warn("failed to release settings lock", zap.String("file", m.lockFile), zap.Error(err))
		}
	}, nil
}

func defaults(workspacePath string) UserSettings {
	return UserSettings{
		WorkspacePath:          workspacePath,
		Port:                   DefaultPort,
		Runtime:                DefaultRuntime,
		Folders:                []Folder{},
		MaxDeletedEnvironments: DefaultMaxDeleted,
	}
}

func validate(settings UserSettings) error {
	if settings.Port < 0 || settings.Port > 65535 {
		return fmt.Errorf("%w: port %d out of range", domain.ErrValidation, settings.Port)
	}
	if settings.MaxDeletedEnvironments < 0 {
		return fmt.Errorf("%w: max deleted environments must not be negative", domain.ErrValidation)
	}
	for _, folder := range settings.Folders {
		if strings.TrimSpace(folder.Name) == "" {
			return fmt.Errorf("%w: folder name must not be empty", domain.ErrValidation)
		}
	}
	return nil
}

func validateFolderName(name string, existing []Folder, selfID string) error {
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("%w: folder name must not be empty", domain.ErrValidation)
	}
	if len(name) > domain.MaxNameLength {
		return fmt.Errorf("%w: folder name exceeds %d characters", domain.ErrValidation, domain.MaxNameLength)
	}
	for _, folder := range existing {
		if folder.ID != selfID && folder.Name == name {
			return fmt.Errorf("%w: folder name %q already exists", domain.ErrValidation, name)
		}
	}
	return nil
}
