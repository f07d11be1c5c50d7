// Package engine owns the environment lifecycle state machine. It is the only
// component that reads and writes the registry, and the only caller of the
// runtime gateway during transitions.
package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/envdock/envdock/internal/core/deps"
	"github.com/envdock/envdock/internal/core/domain"
	"github.com/envdock/envdock/internal/core/mounts"
	"github.com/envdock/envdock/internal/core/ports"
)

const (
	// DefaultPort is the in-container listen port when no override is set.
	DefaultPort = 8188

	// DefaultMaxDeleted bounds how many soft-deleted environments are retained
	// before pruning hard-deletes the oldest.
	DefaultMaxDeleted = 10

	// signalTimeout is the grace period for container stop and restart.
	signalTimeout = 2 * time.Second

	containerNamePrefix = "env-"

	// cloneRepository holds the private images committed for duplicated
	// environments; tags are the duplicate's container name.
	cloneRepository = "envdock-clone"

	// FolderAll selects every environment not tagged deleted.
	FolderAll = "all"
)

// Engine orchestrates environment transitions against the runtime gateway
// and the registry store.
type Engine struct {
	store      ports.Registry
	rt         ports.Runtime
	installer  *deps.Installer
	notifier   ports.Notifier
	log        *zap.Logger
	maxDeleted int
	driverPath string
}

// Option configures an Engine.
type Option func(*Engine)

// WithMaxDeleted overrides the soft-delete retention bound.
func WithMaxDeleted(n int) Option {
	return func(e *Engine) {
		if n >= 0 {
			e.maxDeleted = n
		}
	}
}

// WithNotifier attaches a watcher notifier; without one, update signals are
// dropped.
func WithNotifier(n ports.Notifier) Option {
	return func(e *Engine) { e.notifier = n }
}

// WithDriverPath overrides the host driver directory probed for the optional
// read-only bind.
func WithDriverPath(path string) Option {
	return func(e *Engine) { e.driverPath = path }
}

func New(store ports.Registry, rt ports.Runtime, log *zap.Logger, opts ...Option) *Engine {
	e := &Engine{
		store:      store,
		rt:         rt,
		installer:  deps.NewInstaller(rt, log),
		log:        log,
		maxDeleted: DefaultMaxDeleted,
		driverPath: mounts.DriverPath,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// loadAll reads the registry and reconciles every record's status against the
// runtime before anything uses it: a container that disappeared out-of-band
// becomes dead, never silently running. The reconciled collection is saved
// back so the persisted status is never stale.
func (e *Engine) loadAll(ctx context.Context) ([]domain.Environment, error) {
	envs, err := e.store.Load(ctx)
	if err != nil {
		return nil, err
	}

	for i := range envs {
		status, err := e.rt.ContainerStatus(ctx, envs[i].ID)
		switch {
		case err == nil:
			envs[i].Status = status
		case errors.Is(err, domain.ErrNotFound):
			if envs[i].Status != domain.StatusDead {
				e.log.Warn("container missing for environment, marking dead",
					zap.String("environment_id", envs[i].ID),
					zap.String("name", envs[i].Name))
			}
			envs[i].Status = domain.StatusDead
		default:
			return nil, fmt.Errorf("reconcile status for environment %s: %w", envs[i].ID, err)
		}
	}

	if err := e.store.Save(ctx, envs); err != nil {
		return nil, err
	}
	return envs, nil
}

// ListEnvironments returns the reconciled registry. folderID empty returns
// everything; FolderAll excludes soft-deleted environments; any other value
// filters by folder membership.
func (e *Engine) ListEnvironments(ctx context.Context, folderID string) ([]domain.Environment, error) {
	envs, err := e.loadAll(ctx)
	if err != nil {
		return nil, err
	}
	if folderID == "" {
		return envs, nil
	}

	filtered := make([]domain.Environment, 0, len(envs))
	for _, env := range envs {
		if folderID == FolderAll {
			if !env.IsDeleted() {
				filtered = append(filtered, env)
			}
		} else if env.InFolder(folderID) {
			filtered = append(filtered, env)
		}
	}
	return filtered, nil
}

func (e *Engine) GetEnvironment(ctx context.Context, id string) (domain.Environment, error) {
	envs, err := e.loadAll(ctx)
	if err != nil {
		return domain.Environment{}, err
	}
	i, err := findIndex(envs, id)
	if err != nil {
		return domain.Environment{}, err
	}
	return envs[i], nil
}

// CreateEnvironment provisions a container for the environment without
// starting it and persists the new record.
func (e *Engine) CreateEnvironment(ctx context.Context, env domain.Environment) (domain.Environment, error) {
	envs, err := e.loadAll(ctx)
	if err != nil {
		return domain.Environment{}, err
	}
	if err := env.Validate(); err != nil {
		return domain.Environment{}, err
	}

	if err := e.rt.ImageExists(ctx, env.Image); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return domain.Environment{}, fmt.Errorf("%w: image %s not found locally", domain.ErrNotFound, env.Image)
		}
		return domain.Environment{}, fmt.Errorf("check image %s: %w", env.Image, err)
	}

	spec, err := e.containerSpec(&env)
	if err != nil {
		return domain.Environment{}, err
	}
	env.ContainerName = generateContainerName()
	spec.Name = env.ContainerName
	spec.Image = env.Image

	// The registry save below may never happen if we crash here; log the
	// gateway call so an orphaned container can be traced.
	e.log.Info("provisioning container",
		zap.String("container_name", env.ContainerName),
		zap.String("image", env.Image))
	id, err := e.rt.CreateContainer(ctx, spec)
	if err != nil {
		return domain.Environment{}, err
	}

	env.ID = id
	env.Status = domain.StatusCreated
	env.Metadata = map[string]any{
		domain.MetaBaseImage: env.Image,
		domain.MetaCreatedAt: float64(time.Now().Unix()),
	}

	envs = append(envs, env)
	if err := e.store.Save(ctx, envs); err != nil {
		return domain.Environment{}, err
	}
	e.log.Info("environment created",
		zap.String("environment_id", env.ID),
		zap.String("name", env.Name))
	return env, nil
}

// DuplicateEnvironment commits the source container to a private image and
// provisions a new environment from it. The source must have been activated
// at least once; a freshly created container has no committed state worth
// cloning.
func (e *Engine) DuplicateEnvironment(ctx context.Context, id string, newEnv domain.Environment) (domain.Environment, error) {
	envs, err := e.loadAll(ctx)
	if err != nil {
		return domain.Environment{}, err
	}
	srcIdx, err := findIndex(envs, id)
	if err != nil {
		return domain.Environment{}, err
	}
	src := envs[srcIdx]

	if src.Status == domain.StatusCreated {
		return domain.Environment{}, fmt.Errorf("%w: environment can only be duplicated after activation", domain.ErrValidation)
	}
	if err := newEnv.Validate(); err != nil {
		return domain.Environment{}, err
	}

	newEnv.ContainerName = generateContainerName()
	cloneImage := cloneRepository + ":" + newEnv.ContainerName

	e.log.Info("committing source container",
		zap.String("source_id", src.ID),
		zap.String("image", cloneImage))
	if err := e.rt.CommitContainer(ctx, src.ID, cloneRepository, newEnv.ContainerName); err != nil {
		return domain.Environment{}, err
	}

	newEnv.Image = cloneImage
	spec, err := e.containerSpec(&newEnv)
	if err != nil {
		return domain.Environment{}, err
	}
	spec.Name = newEnv.ContainerName
	spec.Image = cloneImage

	e.log.Info("provisioning duplicate container", zap.String("container_name", newEnv.ContainerName))
	newID, err := e.rt.CreateContainer(ctx, spec)
	if err != nil {
		return domain.Environment{}, err
	}

	// The record tracks the provisioned container id, not the generated name;
	// only the real id lets later lookups find the container.
	newEnv.ID = newID
	newEnv.Status = domain.StatusCreated
	newEnv.Duplicate = true
	newEnv.Metadata = cloneMetadata(src.Metadata)
	newEnv.Metadata[domain.MetaCreatedAt] = float64(time.Now().Unix())

	envs = append(envs, newEnv)
	if err := e.store.Save(ctx, envs); err != nil {
		return domain.Environment{}, err
	}
	e.log.Info("environment duplicated",
		zap.String("source_id", id),
		zap.String("environment_id", newEnv.ID))
	return newEnv, nil
}

// UpdateEnvironment renames an environment or changes its folder membership.
// ID, image and container name are immutable after creation.
func (e *Engine) UpdateEnvironment(ctx context.Context, id string, update domain.EnvironmentUpdate) (domain.Environment, error) {
	envs, err := e.loadAll(ctx)
	if err != nil {
		return domain.Environment{}, err
	}
	i, err := findIndex(envs, id)
	if err != nil {
		return domain.Environment{}, err
	}

	if update.Name != nil {
		if len(*update.Name) > domain.MaxNameLength {
			return domain.Environment{}, fmt.Errorf("%w: environment name exceeds %d characters", domain.ErrValidation, domain.MaxNameLength)
		}
		envs[i].Name = *update.Name
	}
	if update.FolderIDs != nil {
		envs[i].FolderIDs = update.FolderIDs
	}

	if err := e.store.Save(ctx, envs); err != nil {
		return domain.Environment{}, err
	}
	return envs[i], nil
}

// ActivateEnvironment starts the environment's container. On the first
// activation of a freshly created environment the copy-kind mounts are
// realized, and if custom node content was injected the dependency installer
// runs and the container restarts once to pick it up. Unless allowMultiple is
// set, every other running environment is stopped first.
func (e *Engine) ActivateEnvironment(ctx context.Context, id string, allowMultiple bool) (domain.Environment, error) {
	envs, err := e.loadAll(ctx)
	if err != nil {
		return domain.Environment{}, err
	}
	i, err := findIndex(envs, id)
	if err != nil {
		return domain.Environment{}, err
	}
	env := envs[i]

	if _, err := e.rt.ContainerStatus(ctx, env.ID); err != nil {
		return domain.Environment{}, fmt.Errorf("activate environment %s: %w", id, err)
	}

	if !allowMultiple {
		e.stopOthers(ctx, env.ID, envs)
	}

	if err := e.rt.StartContainer(ctx, env.ID); err != nil {
		return domain.Environment{}, fmt.Errorf("activate environment %s: %w", id, err)
	}

	if env.Status == domain.StatusCreated {
		entries := mounts.Normalize(env.MountConfig(), env.SourceDirectory)
		if e.injectContent(ctx, &env, entries) {
			e.log.Info("restarting container after dependency install", zap.String("environment_id", env.ID))
			if err := e.rt.RestartContainer(ctx, env.ID, signalTimeout); err != nil {
				return domain.Environment{}, fmt.Errorf("restart after install: %w", err)
			}
		}
	}

	envs[i].Status = domain.StatusRunning
	if err := e.store.Save(ctx, envs); err != nil {
		return domain.Environment{}, err
	}
	e.log.Info("environment activated", zap.String("environment_id", env.ID))
	return envs[i], nil
}

// injectContent realizes copy-kind mounts and reports whether custom node
// content requiring a dependency install was injected. Individual copy
// failures are logged, never fatal: activation makes forward progress.
func (e *Engine) injectContent(ctx context.Context, env *domain.Environment, entries []domain.MountEntry) bool {
	installed := false
	for _, entry := range entries {
		switch entry.Kind {
		case domain.MountKindCopy:
			if _, err := os.Stat(entry.HostPath); err != nil {
				e.log.Warn("copy source does not exist, skipping",
					zap.String("host_path", entry.HostPath))
				continue
			}
			if err := e.rt.CopyTree(ctx, env.ID, entry.HostPath, entry.ContainerPath, mounts.CopyExcludeDirs); err != nil {
				e.log.Warn("content copy failed",
					zap.String("host_path", entry.HostPath),
					zap.String("container_path", entry.ContainerPath),
					zap.Error(err))
				continue
			}
			if mounts.TargetsCustomNodes(entry.ContainerPath) {
				e.runInstaller(ctx, env.ID)
				installed = true
			}
		case domain.MountKindBind:
			// Bind-mounted custom nodes still need their dependencies present
			// inside the container.
			if mounts.TargetsCustomNodes(entry.ContainerPath) {
				e.runInstaller(ctx, env.ID)
				installed = true
			}
		}
	}
	return installed
}

func (e *Engine) runInstaller(ctx context.Context, containerID string) {
	if err := e.installer.Install(ctx, containerID, deps.DefaultBlacklist, mounts.CopyExcludeDirs); err != nil {
		e.log.Warn("dependency installation failed", zap.String("container_id", containerID), zap.Error(err))
	}
}

// stopOthers stops every other running environment. A failure to stop one
// never blocks stopping the rest or starting the target.
func (e *Engine) stopOthers(ctx context.Context, currentID string, envs []domain.Environment) {
	for i := range envs {
		if envs[i].ID == currentID || envs[i].Status != domain.StatusRunning {
			continue
		}
		if err := e.rt.StopContainer(ctx, envs[i].ID, signalTimeout); err != nil {
			e.log.Warn("failed to stop sibling environment",
				zap.String("environment_id", envs[i].ID),
				zap.Error(err))
			continue
		}
		envs[i].Status = domain.StatusStopped
	}
}

// DeactivateEnvironment stops a running environment with a bounded grace
// period. Deactivating an environment that is not running is a no-op
// returning the current state.
func (e *Engine) DeactivateEnvironment(ctx context.Context, id string) (domain.Environment, error) {
	envs, err := e.loadAll(ctx)
	if err != nil {
		return domain.Environment{}, err
	}
	i, err := findIndex(envs, id)
	if err != nil {
		return domain.Environment{}, err
	}

	if envs[i].Status != domain.StatusRunning {
		return envs[i], nil
	}

	if err := e.rt.StopContainer(ctx, envs[i].ID, signalTimeout); err != nil {
		return domain.Environment{}, fmt.Errorf("deactivate environment %s: %w", id, err)
	}
	envs[i].Status = domain.StatusStopped
	if err := e.store.Save(ctx, envs); err != nil {
		return domain.Environment{}, err
	}
	e.log.Info("environment deactivated", zap.String("environment_id", id))
	return envs[i], nil
}

// DeleteEnvironment soft-deletes on the first call: the environment is tagged,
// timestamped and pruning runs. A second delete of a tagged environment
// removes it entirely, along with its container and, for duplicates, its
// private image.
func (e *Engine) DeleteEnvironment(ctx context.Context, id string) (string, error) {
	envs, err := e.loadAll(ctx)
	if err != nil {
		return "", err
	}
	i, err := findIndex(envs, id)
	if err != nil {
		return "", err
	}

	if envs[i].IsDeleted() {
		envs = e.hardDelete(ctx, envs[i], envs)
	} else {
		envs[i].MarkDeleted(time.Now())
		e.log.Info("environment soft-deleted", zap.String("environment_id", id))
		envs = e.prune(ctx, envs)
	}

	if err := e.store.Save(ctx, envs); err != nil {
		return "", err
	}
	return id, nil
}

// hardDelete reclaims the container and, for duplicates, the private image.
// Both are best-effort: an already-gone container or image never aborts
// removal of the record.
func (e *Engine) hardDelete(ctx context.Context, env domain.Environment, envs []domain.Environment) []domain.Environment {
	e.log.Info("hard deleting environment", zap.String("environment_id", env.ID))

	if err := e.rt.StopContainer(ctx, env.ID, signalTimeout); err != nil {
		e.log.Warn("stop during hard delete failed", zap.String("environment_id", env.ID), zap.Error(err))
	}
	if err := e.rt.RemoveContainer(ctx, env.ID); err != nil {
		e.log.Warn("container removal failed", zap.String("environment_id", env.ID), zap.Error(err))
	}

	// Only a duplicate owns its image; a base image may back other
	// environments and is never reclaimed here.
	if env.Duplicate {
		if err := e.rt.RemoveImage(ctx, env.Image, true); err != nil {
			e.log.Warn("private image removal failed", zap.String("image", env.Image), zap.Error(err))
		}
	}

	remaining := envs[:0:0]
	for _, other := range envs {
		if other.ID != env.ID {
			remaining = append(remaining, other)
		}
	}
	return remaining
}

// prune hard-deletes the oldest soft-deleted environments until the retained
// count is back at the bound. Ordering is by deletion timestamp, ties broken
// by original order.
func (e *Engine) prune(ctx context.Context, envs []domain.Environment) []domain.Environment {
	var deleted []domain.Environment
	for _, env := range envs {
		if env.IsDeleted() {
			deleted = append(deleted, env)
		}
	}
	if len(deleted) <= e.maxDeleted {
		return envs
	}

	sort.SliceStable(deleted, func(i, j int) bool {
		return deleted[i].DeletedAt() < deleted[j].DeletedAt()
	})

	toPrune := len(deleted) - e.maxDeleted
	e.log.Info("pruning soft-deleted environments",
		zap.Int("deleted", len(deleted)),
		zap.Int("max", e.maxDeleted),
		zap.Int("pruning", toPrune))
	for _, env := range deleted[:toPrune] {
		envs = e.hardDelete(ctx, env, envs)
	}
	return envs
}

// containerSpec derives runtime provisioning parameters from the
// environment's options: bind mounts, listen port, final command line and
// device requests.
func (e *Engine) containerSpec(env *domain.Environment) (ports.ContainerSpec, error) {
	entries := mounts.Normalize(env.MountConfig(), env.SourceDirectory)
	binds, err := mounts.Binds(entries, e.driverPath)
	if err != nil {
		return ports.ContainerSpec{}, err
	}

	port := env.Port(DefaultPort)
	return ports.ContainerSpec{
		Command: buildCommand(port, env.Command),
		Port:    port,
		Mounts:  binds,
		GPU:     env.RuntimeName() == domain.RuntimeNvidia,
	}, nil
}

// buildCommand prepends the resolved port to the configured base command.
func buildCommand(port int, base string) []string {
	cmd := []string{"--port", fmt.Sprint(port)}
	if fields := strings.Fields(base); len(fields) > 0 {
		cmd = append(cmd, fields...)
	}
	return cmd
}

func generateContainerName() string {
	return containerNamePrefix + uuid.NewString()[:8]
}

func cloneMetadata(meta map[string]any) map[string]any {
	clone := make(map[string]any, len(meta)+1)
	for k, v := range meta {
		clone[k] = v
	}
	return clone
}

func findIndex(envs []domain.Environment, id string) (int, error) {
	for i := range envs {
		if envs[i].ID == id {
			return i, nil
		}
	}
	return -1, fmt.Errorf("%w: environment %s", domain.ErrNotFound, id)
}
