package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"QuantFlow/internal/domain/models"
	domrepo "QuantFlow/internal/domain/repository"
	"QuantFlow/pkg/cache"
)

const (
	runKeyPrefix  = "run"
	lockKeyPrefix = "lock:run"
)

// CacheRunStore keeps run checkpoints in a cache.Service. Every save refreshes
// the idle TTL, so a parked run expires idleTTL after its last step.
type CacheRunStore struct {
	c       cache.Service
	idleTTL time.Duration
}

// NewCacheRunStore creates a run store. idleTTL <= 0 leaves expiry to the cache backend.
func NewCacheRunStore(c cache.Service, idleTTL time.Duration) *CacheRunStore {
	if idleTTL < 0 {
		idleTTL = 0
	}
	return &CacheRunStore{c: c, idleTTL: idleTTL}
}

func (s *CacheRunStore) Save(ctx context.Context, runID string, st *models.ExecutionState) error {
	if runID == "" {
		return fmt.Errorf("save run: empty run id")
	}
	if err := s.c.Set(ctx, runKey(runID), st, s.idleTTL); err != nil {
		return fmt.Errorf("save run %s: %w", runID, err)
	}
	return nil
}

func (s *CacheRunStore) Load(ctx context.Context, runID string) (*models.ExecutionState, error) {
	var st models.ExecutionState
	if err := s.c.Get(ctx, runKey(runID), &st); err != nil {
		if errors.Is(err, cache.ErrCacheMiss) {
			return nil, fmt.Errorf("run %s: %w", runID, models.ErrUnknownSession)
		}
		return nil, fmt.Errorf("load run %s: %w", runID, err)
	}
	return &st, nil
}

func (s *CacheRunStore) Exists(ctx context.Context, runID string) (bool, error) {
	return s.c.Exists(ctx, runKey(runID))
}

func (s *CacheRunStore) Delete(ctx context.Context, runID string) error {
	return s.c.Delete(ctx, runKey(runID))
}

func (s *CacheRunStore) Lock(ctx context.Context, runID string, ttl time.Duration) (string, bool, error) {
	return s.c.TryLock(ctx, cache.GenerateKey(lockKeyPrefix, runID), ttl)
}

// Unlock releases the lock taken with token. A lock that expired and was
// taken by another worker is left alone and reported as models.ErrRunBusy.
func (s *CacheRunStore) Unlock(ctx context.Context, runID, token string) error {
	err := s.c.Unlock(ctx, cache.GenerateKey(lockKeyPrefix, runID), token)
	if errors.Is(err, cache.ErrLockNotHeld) {
		return fmt.Errorf("unlock run %s: %w", runID, models.ErrRunBusy)
	}
	return err
}

func runKey(runID string) string { return cache.GenerateKey(runKeyPrefix, runID) }

var _ domrepo.RunStore = (*CacheRunStore)(nil)
