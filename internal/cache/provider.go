package cache

import (
	"context"
	"errors"
	"time"
)

// Provider is the key/value surface shared by the aggregate read-through cache,
// the Valkey status store and the evaluator run lock.
type Provider interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)
	Del(ctx context.Context, key string) error
	Close() error
}

// Scanner is implemented by providers that can enumerate keys by glob pattern.
type Scanner interface {
	Scan(ctx context.Context, pattern string) ([]string, error)
}

// ErrCacheMiss signals that a cache key was not found.
var ErrCacheMiss = errors.New("cache miss")

// NoopProvider satisfies Provider without storing anything. Used when caching is disabled.
type NoopProvider struct{}

func (NoopProvider) Get(context.Context, string) ([]byte, error) {
	return nil, ErrCacheMiss
}

func (NoopProvider) Set(context.Context, string, []byte, time.Duration) error {
	return nil
}

// SetNX always reports the key as acquired so a disabled lock never blocks a run.
func (NoopProvider) SetNX(context.Context, string, []byte, time.Duration) (bool, error) {
	return true, nil
}

func (NoopProvider) Del(context.Context, string) error { return nil }

func (NoopProvider) Close() error { return nil }
