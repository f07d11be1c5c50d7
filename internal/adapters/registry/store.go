// Package registry persists the environment collection to a single JSON file
// shared across process instances. All access is serialized by an advisory
// file lock keyed by the registry path; acquisition has a bounded wait so
// contention surfaces as a retryable error instead of a deadlock.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/gofrs/flock"
	"go.uber.org/zap"

	"github.com/envdock/envdock/internal/core/domain"
)

// DefaultLockTimeout bounds the wait for the registry lock.
const DefaultLockTimeout = 10 * time.Second

const lockRetryInterval = 50 * time.Millisecond

// Store implements ports.Registry on a flock-guarded JSON file.
type Store struct {
	dbFile      string
	lockFile    string
	lockTimeout time.Duration
	log         *zap.Logger
}

func NewStore(dbFile string, lockTimeout time.Duration, log *zap.Logger) *Store {
	if lockTimeout <= 0 {
		lockTimeout = DefaultLockTimeout
	}
	return &Store{
		dbFile:      dbFile,
		lockFile:    dbFile + ".lock",
		lockTimeout: lockTimeout,
		log:         log,
	}
}

// Load reads the whole collection. A missing file is an empty registry; a
// file that cannot be parsed is a persistence failure requiring operator
// intervention.
func (s *Store) Load(ctx context.Context) ([]domain.Environment, error) {
	unlock, err := s.acquireLock(ctx)
	if err != nil {
		return nil, err
	}
	defer unlock()

	data, err := os.ReadFile(s.dbFile)
	if errors.Is(err, os.ErrNotExist) {
		return []domain.Environment{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %v", domain.ErrPersistence, s.dbFile, err)
	}

	var envs []domain.Environment
	if err := json.Unmarshal(data, &envs); err != nil {
		return nil, fmt.Errorf("%w: parse %s: %v", domain.ErrPersistence, s.dbFile, err)
	}
	return envs, nil
}

// Save validates every record and writes the whole collection. Readers never
// observe a partial write because they contend on the same lock.
func (s *Store) Save(ctx context.Context, envs []domain.Environment) error {
	for i := range envs {
		if err := envs[i].Validate(); err != nil {
			return err
		}
	}

	unlock, err := s.acquireLock(ctx)
	if err != nil {
		return err
	}
	defer unlock()

	data, err := json.MarshalIndent(envs, "", "  ")
	if err != nil {
		return fmt.Errorf("%w: encode registry: %v", domain.ErrPersistence, err)
	}
	if err := os.WriteFile(s.dbFile, data, 0o644); err != nil {
		return fmt.Errorf("%w: write %s: %v", domain.ErrPersistence, s.dbFile, err)
	}
	s.log.Debug("registry saved", zap.String("file", s.dbFile), zap.Int("environments", len(envs)))
	return nil
}

func (s *Store) acquireLock(ctx context.Context) (func(), error) {
	fl := flock.New(s.lockFile)

	lockCtx, cancel := context.WithTimeout(ctx, s.lockTimeout)
	defer cancel()

	ok, err := fl.TryLockContext(lockCtx, lockRetryInterval)
	if err != nil || !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrLockTimeout, s.lockFile)
	}
	return func() {
		if err := fl.Unlock(); err != nil {
			s.log.Warn("failed to release registry lock", zap.String("file", s.lockFile), zap.Error(err))
		}
	}, nil
}
