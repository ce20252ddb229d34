package state

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/swa-analytics/anomaly-pipeline/internal/cache"
	"github.com/swa-analytics/anomaly-pipeline/internal/models"
)

// CacheStore keeps each status under <prefix><site> in a cache.Provider,
// normally Valkey, without expiry.
type CacheStore struct {
	provider cache.Provider
	prefix   string
}

func NewCacheStore(provider cache.Provider, prefix string) *CacheStore {
	if prefix == "" {
		prefix = "anomaly:status:"
	}
	return &CacheStore{provider: provider, prefix: prefix}
}

func (s *CacheStore) Get(ctx context.Context, site string) (models.Status, error) {
	data, err := s.provider.Get(ctx, s.prefix+site)
	if errors.Is(err, cache.ErrCacheMiss) {
		return models.StatusOK, nil
	}
	if err != nil {
		return "", fmt.Errorf("read status of %s: %w", site, err)
	}
	return models.ParseStatus(string(data))
}

func (s *CacheStore) Put(ctx context.Context, site string, status models.Status) error {
	if err := s.provider.Set(ctx, s.prefix+site, []byte(status), 0); err != nil {
		return fmt.Errorf("write status of %s: %w", site, err)
	}
	return nil
}

func (s *CacheStore) Delete(ctx context.Context, site string) error {
	return s.provider.Del(ctx, s.prefix+site)
}

// Sites requires the provider to implement cache.Scanner.
func (s *CacheStore) Sites(ctx context.Context) ([]string, error) {
	scanner, ok := s.provider.(cache.Scanner)
	if !ok {
		return nil, ErrListUnsupported
	}
	keys, err := scanner.Scan(ctx, s.prefix+"*")
	if err != nil {
		return nil, err
	}
	sites := make([]string, 0, len(keys))
	for _, key := range keys {
		sites = append(sites, strings.TrimPrefix(key, s.prefix))
	}
	return sites, nil
}
