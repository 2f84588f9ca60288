package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/valinor-ai/moderator/internal/moderation"
)

// MemoryStore keeps results in process. Used when no database is configured.
type MemoryStore struct {
	mu      sync.RWMutex
	results map[string]moderation.Result
	now     func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		results: make(map[string]moderation.Result),
		now:     time.Now,
	}
}

func (m *MemoryStore) Save(_ context.Context, r moderation.Result) error {
	if r.ID == "" {
		return fmt.Errorf("saving result: empty id")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.results[r.ID]; ok {
		return fmt.Errorf("saving result %s: duplicate id", r.ID)
	}
	m.results[r.ID] = r.Clone()
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (moderation.Result, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.results[id]
	if !ok {
		return moderation.Result{}, ErrNotFound
	}
	return r.Clone(), nil
}

func (m *MemoryStore) Stats(_ context.Context) (moderation.Stats, error) {
	today := startOfDay(m.now())
	stats := moderation.NewStats()

	m.mu.RLock()
	defer m.mu.RUnlock()

	var severity float64
	for _, r := range m.results {
		stats.Total++
		stats.ByDecision[r.Decision]++
		stats.ByService[r.ServiceUsed]++
		for _, c := range r.Categories {
			stats.ByCategory[c]++
		}
		if !r.ProcessedAt.Before(today) {
			stats.Today++
		}
		severity += r.SeverityScore
	}
	if stats.Total > 0 {
		stats.AvgSeverity = severity / float64(stats.Total)
	}
	return stats, nil
}
