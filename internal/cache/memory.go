package cache

import (
	"context"
	"path"
	"sort"
	"sync"
	"time"
)

// MemoryProvider is an in-process Provider with TTL support. It backs local
// development and single-process deployments.
type MemoryProvider struct {
	mu    sync.RWMutex
	items map[string]memoryItem
	now   func() time.Time
}

type memoryItem struct {
	value     []byte
	expiresAt time.Time
}

// NewMemoryProvider creates an empty MemoryProvider.
func NewMemoryProvider() *MemoryProvider {
	return &MemoryProvider{items: make(map[string]memoryItem), now: time.Now}
}

func (m *MemoryProvider) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	it, ok := m.items[key]
	m.mu.RUnlock()
	if !ok || m.expired(it) {
		return nil, ErrCacheMiss
	}
	return append([]byte(nil), it.value...), nil
}

func (m *MemoryProvider) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items[key] = m.newItem(value, ttl)
	return nil
}

func (m *MemoryProvider) SetNX(_ context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if it, ok := m.items[key]; ok && !m.expired(it) {
		return false, nil
	}
	m.items[key] = m.newItem(value, ttl)
	return true, nil
}

func (m *MemoryProvider) Del(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.items, key)
	return nil
}

// Scan returns live keys matching a glob pattern in lexical order.
func (m *MemoryProvider) Scan(_ context.Context, pattern string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var keys []string
	for key, it := range m.items {
		if m.expired(it) {
			continue
		}
		ok, err := path.Match(pattern, key)
		if err != nil {
			return nil, err
		}
		if ok {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (m *MemoryProvider) Close() error { return nil }

func (m *MemoryProvider) newItem(value []byte, ttl time.Duration) memoryItem {
	it := memoryItem{value: append([]byte(nil), value...)}
	if ttl > 0 {
		it.expiresAt = m.now().Add(ttl)
	}
	return it
}

func (m *MemoryProvider) expired(it memoryItem) bool {
	return !it.expiresAt.IsZero() && !m.now().Before(it.expiresAt)
}
