// Package state persists the per-site anomaly status that makes alerting
// edge-triggered. The evaluator is the only writer.
package state

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/swa-analytics/anomaly-pipeline/internal/models"
)

// Store reads and writes the persisted status of a site. Get returns
// models.StatusOK for a site that has never been written.
type Store interface {
	Get(ctx context.Context, site string) (models.Status, error)
	Put(ctx context.Context, site string, status models.Status) error
	Delete(ctx context.Context, site string) error
}

// Lister enumerates sites that currently have a persisted status.
type Lister interface {
	Sites(ctx context.Context) ([]string, error)
}

// ErrListUnsupported is returned by Prune when the store cannot enumerate sites.
var ErrListUnsupported = errors.New("status store cannot list sites")

// Prune deletes the status of every persisted site not in keep and returns the
// removed sites. It runs once at startup when the configured site set shrinks.
func Prune(ctx context.Context, store Store, keep []string) ([]string, error) {
	lister, ok := store.(Lister)
	if !ok {
		return nil, ErrListUnsupported
	}
	persisted, err := lister.Sites(ctx)
	if err != nil {
		return nil, fmt.Errorf("list persisted sites: %w", err)
	}

	wanted := make(map[string]struct{}, len(keep))
	for _, site := range keep {
		wanted[site] = struct{}{}
	}

	var removed []string
	for _, site := range persisted {
		if _, ok := wanted[site]; ok {
			continue
		}
		if err := store.Delete(ctx, site); err != nil {
			return removed, fmt.Errorf("delete status of %s: %w", site, err)
		}
		removed = append(removed, site)
	}
	return removed, nil
}

// MemoryStore keeps statuses in process memory. Suitable for tests and
// single-process local runs where losing state on restart is acceptable.
type MemoryStore struct {
	mu       sync.RWMutex
	statuses map[string]models.Status
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{statuses: make(map[string]models.Status)}
}

func (m *MemoryStore) Get(_ context.Context, site string) (models.Status, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if status, ok := m.statuses[site]; ok {
		return status, nil
	}
	return models.StatusOK, nil
}

func (m *MemoryStore) Put(_ context.Context, site string, status models.Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.statuses[site] = status
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, site string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.statuses, site)
	return nil
}

func (m *MemoryStore) Sites(context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sites := make([]string, 0, len(m.statuses))
	for site := range m.statuses {
		sites = append(sites, site)
	}
	sort.Strings(sites)
	return sites, nil
}
