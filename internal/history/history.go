// Package history adapts a durable check store to the orchestrator: newest
// first listings capped by plan depth, monthly counts and user scoped
// deletes.
package history

import (
	"context"
	"fmt"
	"time"

	"github.com/joss/comply/internal/domain"
	"github.com/joss/comply/internal/plan"
	"github.com/joss/comply/internal/store"
	"github.com/joss/comply/internal/usage"
)

// Store is the durable record store. Every query is scoped by user.
type Store interface {
	// Insert persists r and returns it with the store-assigned ID.
	Insert(ctx context.Context, r domain.CheckRecord) (domain.CheckRecord, error)
	// ListByUser returns at most limit records ordered by CreatedAt descending.
	ListByUser(ctx context.Context, userID string, limit int) ([]domain.CheckRecord, error)
	// CountSince counts records created at or after since.
	CountSince(ctx context.Context, userID string, since time.Time) (int, error)
	// Delete removes id only if it belongs to userID, otherwise it returns
	// a store.NotFoundError.
	Delete(ctx context.Context, userID, id string) error
}

// Adapter wraps a Store with plan depth and month boundary rules.
type Adapter struct {
	store   Store
	tracker *usage.Tracker
}

// NewAdapter creates an adapter.
func NewAdapter(s Store, tracker *usage.Tracker) *Adapter {
	return &Adapter{store: s, tracker: tracker}
}

// FetchHistory returns the newest records visible to plan p.
func (a *Adapter) FetchHistory(ctx context.Context, userID string, p plan.Plan) ([]domain.CheckRecord, error) {
	records, err := a.store.ListByUser(ctx, userID, a.tracker.Plans.Depth(p))
	if err != nil {
		return nil, fmt.Errorf("fetch history: %w", err)
	}
	if records == nil {
		records = []domain.CheckRecord{}
	}
	return records, nil
}

// FetchMonthlyCount counts the user's checks since the start of the month.
func (a *Adapter) FetchMonthlyCount(ctx context.Context, userID string) (int, error) {
	n, err := a.store.CountSince(ctx, userID, a.tracker.MonthStart())
	if err != nil {
		return 0, fmt.Errorf("fetch monthly count: %w", err)
	}
	return n, nil
}

// Insert persists a record; the returned record carries the final ID.
func (a *Adapter) Insert(ctx context.Context, r domain.CheckRecord) (domain.CheckRecord, error) {
	saved, err := a.store.Insert(ctx, r)
	if err != nil {
		return domain.CheckRecord{}, fmt.Errorf("insert check: %w", err)
	}
	return saved, nil
}

// Delete removes a record owned by userID.
func (a *Adapter) Delete(ctx context.Context, userID, id string) error {
	if err := store.ValidateID(id); err != nil {
		return err
	}
	if err := a.store.Delete(ctx, userID, id); err != nil {
		return fmt.Errorf("delete check: %w", err)
	}
	return nil
}
