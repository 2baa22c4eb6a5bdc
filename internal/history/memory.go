package history

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/joss/comply/internal/domain"
	"github.com/joss/comply/internal/store"
)

// Memory is an in-process Store.
type Memory struct {
	mu      sync.RWMutex
	records map[string]domain.CheckRecord
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{records: make(map[string]domain.CheckRecord)}
}

func (m *Memory) Insert(_ context.Context, r domain.CheckRecord) (domain.CheckRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r.ID = uuid.New().String()
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now()
	}
	m.records[r.ID] = r
	return r, nil
}

func (m *Memory) ListByUser(_ context.Context, userID string, limit int) ([]domain.CheckRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []domain.CheckRecord
	for _, r := range m.records {
		if r.UserID == userID {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) CountSince(_ context.Context, userID string, since time.Time) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	n := 0
	for _, r := range m.records {
		if r.UserID == userID && !r.CreatedAt.Before(since) {
			n++
		}
	}
	return n, nil
}

func (m *Memory) Delete(_ context.Context, userID, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.records[id]
	if !ok || r.UserID != userID {
		return store.NewNotFoundError("check", id)
	}
	delete(m.records, id)
	return nil
}

var _ Store = (*Memory)(nil)
