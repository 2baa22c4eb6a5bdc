package checker

import (
	"context"
	"fmt"
	"time"

	"github.com/joss/comply/internal/domain"
	"github.com/joss/comply/internal/logging"
)

// maxReconcileAttempts bounds refetches when local state keeps changing
// underneath a reconciliation.
const maxReconcileAttempts = 3

// commit applies the optimistic update for a finished check, marks the
// check complete and starts the background write.
func (c *Checker) commit(ctx context.Context, record domain.CheckRecord) {
	c.mu.Lock()
	c.records = append([]domain.CheckRecord{record}, c.records...)
	c.quota.commit()
	c.mutationGen++
	c.state = StateComplete
	result := record
	c.result = &result
	c.mu.Unlock()

	c.invalidate(ctx)

	bgCtx := context.WithoutCancel(ctx)
	c.bg.Add(1)
	logging.SafeGo("reconcile", func() {
		defer c.bg.Done()
		c.reconcile(bgCtx, record)
	})
}

// reconcile writes record to the store and replaces local usage and history
// with the store's view. Failures are logged and never roll back the
// optimistic state.
func (c *Checker) reconcile(ctx context.Context, record domain.CheckRecord) {
	start := time.Now()

	saved, err := c.history.Insert(ctx, record)
	if err != nil {
		c.quota.dropped()
		c.metrics.SyncFailures.Add(1)
		c.log.Error("reconcile.insert_failed", map[string]interface{}{"check_id": record.ID}, err)
		return
	}
	c.quota.landed()

	applied, err := c.refetch(ctx, &record, &saved)
	if err != nil {
		c.metrics.SyncFailures.Add(1)
		c.log.Error("reconcile.refetch_failed", map[string]interface{}{"check_id": saved.ID}, err)
		return
	}
	if applied {
		c.log.TimedEvent("reconcile.applied", start, map[string]interface{}{
			"provisional_id": record.ID,
			"check_id":       saved.ID,
		}, nil)
	}
}

// refetch loads count and history and replaces local state with them.
// Every attempt takes a sequence number when its fetch starts; the result
// is dropped if a fetch that started later has already been applied, and
// retried if a local mutation or a change to the user's quota happened
// while fetching. When provisional
// and saved are set, the current result is re-pointed at the stored record.
func (c *Checker) refetch(ctx context.Context, provisional, saved *domain.CheckRecord) (bool, error) {
	for attempt := 1; attempt <= maxReconcileAttempts; attempt++ {
		c.mu.Lock()
		gen := c.mutationGen
		qgen := c.quota.generation()
		c.nextSeq++
		seq := c.nextSeq
		c.mu.Unlock()

		used, err := c.history.FetchMonthlyCount(ctx, c.cfg.UserID)
		if err != nil {
			return false, err
		}
		records, err := c.history.FetchHistory(ctx, c.cfg.UserID, c.cfg.Plan)
		if err != nil {
			return false, err
		}

		c.mu.Lock()
		if seq < c.appliedSeq {
			c.mu.Unlock()
			c.metrics.RecordReconcile(false)
			c.log.Debug("reconcile.superseded", map[string]interface{}{"seq": seq})
			return false, nil
		}
		if gen != c.mutationGen || !c.quota.apply(used, qgen) {
			c.mu.Unlock()
			c.log.Debug("reconcile.retry", map[string]interface{}{"seq": seq, "attempt": attempt})
			continue
		}

		c.records = records
		c.appliedSeq = seq
		var restamped *domain.CheckRecord
		if provisional != nil && c.result != nil && c.result.ID == provisional.ID {
			r := *saved
			c.result = &r
			restamped = &r
		}
		c.mu.Unlock()

		depth := c.depth()
		c.setCache(ctx, func() error { return c.usageCache.Set(ctx, c.usageKey(), used) })
		c.setCache(ctx, func() error {
			return c.historyCache.Set(ctx, c.historyKey(), historyEntry{Depth: depth, Records: records})
		})
		if restamped != nil {
			c.saveSession(ctx, *restamped)
		}
		c.metrics.RecordReconcile(true)
		return true, nil
	}

	c.metrics.RecordReconcile(false)
	c.invalidate(ctx)
	c.log.Warn("reconcile.abandoned", nil, nil)
	return false, nil
}

// Refresh bypasses the cache and replaces usage and history with the
// store's current view. Unlike background reconciliation it reports
// failures to the caller.
func (c *Checker) Refresh(ctx context.Context) error {
	if _, err := c.refetch(ctx, nil, nil); err != nil {
		return fmt.Errorf("refresh: %w", err)
	}
	return nil
}

// DeleteCheck removes a stored check owned by this user, then drops it from
// local history, decrements the monthly count and invalidates the cache.
func (c *Checker) DeleteCheck(ctx context.Context, id string) error {
	if (domain.CheckRecord{ID: id}).IsProvisional() {
		return ErrPendingSync
	}
	if err := c.history.Delete(ctx, c.cfg.UserID, id); err != nil {
		return err
	}

	c.mu.Lock()
	for i, r := range c.records {
		if r.ID == id {
			c.records = append(c.records[:i:i], c.records[i+1:]...)
			break
		}
	}
	c.quota.decrement()
	c.mutationGen++
	c.mu.Unlock()

	c.invalidate(ctx)
	c.log.Info("check.deleted", map[string]interface{}{"check_id": id})
	return nil
}

// Wait blocks until background reconciliations finish or ctx is done.
func (c *Checker) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		c.bg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
