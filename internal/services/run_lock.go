package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/swa-analytics/anomaly-pipeline/internal/cache"
)

// RunLock keeps a second evaluator process from running the same tick. The lock
// expires after ttl so a crashed holder cannot block later ticks.
type RunLock struct {
	provider cache.Provider
	key      string
	ttl      time.Duration
	owner    []byte
}

func NewRunLock(provider cache.Provider, key string, ttl time.Duration) *RunLock {
	if key == "" {
		key = "anomaly:evaluator:lock"
	}
	return &RunLock{provider: provider, key: key, ttl: ttl, owner: []byte(uuid.NewString())}
}

// Acquire returns false without error when another holder owns the lock.
func (l *RunLock) Acquire(ctx context.Context) (bool, error) {
	ok, err := l.provider.SetNX(ctx, l.key, l.owner, l.ttl)
	if err != nil {
		return false, fmt.Errorf("acquire run lock: %w", err)
	}
	return ok, nil
}

// Release deletes the lock if this process still holds it.
func (l *RunLock) Release(ctx context.Context) error {
	current, err := l.provider.Get(ctx, l.key)
	if errors.Is(err, cache.ErrCacheMiss) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read run lock: %w", err)
	}
	if string(current) != string(l.owner) {
		return nil
	}
	return l.provider.Del(ctx, l.key)
}
