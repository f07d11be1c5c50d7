package ports

import (
	"context"

	"github.com/envdock/envdock/internal/core/domain"
)

// Lifecycle defines the core operations for managing environments. The HTTP
// layer depends on this interface rather than the engine itself.
type Lifecycle interface {
	// ListEnvironments loads the registry with statuses reconciled against the
	// runtime. folderID filters by folder membership; "all" returns every
	// environment not tagged deleted; empty returns everything.
	ListEnvironments(ctx context.Context, folderID string) ([]domain.Environment, error)

	GetEnvironment(ctx context.Context, id string) (domain.Environment, error)
	CreateEnvironment(ctx context.Context, env domain.Environment) (domain.Environment, error)
	DuplicateEnvironment(ctx context.Context, id string, newEnv domain.Environment) (domain.Environment, error)
	UpdateEnvironment(ctx context.Context, id string, update domain.EnvironmentUpdate) (domain.Environment, error)
	ActivateEnvironment(ctx context.Context, id string, allowMultiple bool) (domain.Environment, error)
	DeactivateEnvironment(ctx context.Context, id string) (domain.Environment, error)

	// DeleteEnvironment soft-deletes on first call and hard-deletes an
	// already-tagged environment. Returns the deleted environment id.
	DeleteEnvironment(ctx context.Context, id string) (string, error)
}
