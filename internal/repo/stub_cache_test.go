package repo

import (
	"context"
	"sync"
	"time"

	"github.com/swa-analytics/anomaly-pipeline/internal/cache"
)

// stubCache records the TTL of every write so tests can assert cache policy.
type stubCache struct {
	mu    sync.Mutex
	store map[string][]byte
	ttls  map[string]time.Duration
}

func newStubCache() *stubCache {
	return &stubCache{store: make(map[string][]byte), ttls: make(map[string]time.Duration)}
}

func (s *stubCache) Get(_ context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if value, ok := s.store[key]; ok {
		return append([]byte(nil), value...), nil
	}
	return nil, cache.ErrCacheMiss
}

func (s *stubCache) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.store[key] = append([]byte(nil), value...)
	s.ttls[key] = ttl
	return nil
}

func (s *stubCache) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	if _, err := s.Get(ctx, key); err == nil {
		return false, nil
	}
	return true, s.Set(ctx, key, value, ttl)
}

func (s *stubCache) Del(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.store, key)
	delete(s.ttls, key)
	return nil
}

func (s *stubCache) Close() error { return nil }
