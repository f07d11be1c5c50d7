package ports

import (
	"context"

	"github.com/envdock/envdock/internal/core/domain"
)

// Registry persists the whole environment collection under a host-wide file
// lock with a bounded wait. Load and Save are the only operations; there is
// no partial update. Lock contention surfaces as domain.ErrLockTimeout, a
// corrupt file as domain.ErrPersistence.
type Registry interface {
	Load(ctx context.Context) ([]domain.Environment, error)
	Save(ctx context.Context, envs []domain.Environment) error
}
