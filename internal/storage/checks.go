package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/joss/comply/internal/domain"
	"github.com/joss/comply/internal/history"
	"github.com/joss/comply/internal/store"
)

// CheckStore persists check records in the checks table.
type CheckStore struct {
	db  *DB
	now func() time.Time
}

var _ history.Store = (*CheckStore)(nil)

// Checks returns the check store for d.
func (d *DB) Checks() *CheckStore {
	return &CheckStore{db: d, now: time.Now}
}

func (s *CheckStore) Insert(ctx context.Context, r domain.CheckRecord) (domain.CheckRecord, error) {
	resultJSON, err := json.Marshal(r.Result)
	if err != nil {
		return domain.CheckRecord{}, fmt.Errorf("marshal result: %w", err)
	}

	r.ID = uuid.New().String()
	if r.CreatedAt.IsZero() {
		r.CreatedAt = s.now()
	}

	_, err = s.db.db.ExecContext(ctx, s.db.rebind(`
		INSERT INTO checks (id, user_id, created_at, content_text, content_type, platform, overall_status, compliance_score, result_json)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`), r.ID, r.UserID, r.CreatedAt.UnixMilli(), r.ContentText, string(r.ContentType), r.Platform,
		string(r.OverallStatus), r.ComplianceScore, string(resultJSON))
	if err != nil {
		return domain.CheckRecord{}, err
	}
	r.CreatedAt = time.UnixMilli(r.CreatedAt.UnixMilli())
	return r, nil
}

func (s *CheckStore) ListByUser(ctx context.Context, userID string, limit int) ([]domain.CheckRecord, error) {
	rows, err := s.db.db.QueryContext(ctx, s.db.rebind(`
		SELECT id, user_id, created_at, content_text, content_type, platform, overall_status, compliance_score, result_json
		FROM checks WHERE user_id = ? ORDER BY created_at DESC LIMIT ?
	`), userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	records := []domain.CheckRecord{}
	for rows.Next() {
		var (
			r          domain.CheckRecord
			createdAt  int64
			ctype      string
			status     string
			resultJSON string
		)
		if err := rows.Scan(&r.ID, &r.UserID, &createdAt, &r.ContentText, &ctype, &r.Platform, &status, &r.ComplianceScore, &resultJSON); err != nil {
			return nil, err
		}
		r.CreatedAt = time.UnixMilli(createdAt)
		r.ContentType = domain.ContentType(ctype)
		r.OverallStatus = domain.Status(status)
		if err := json.Unmarshal([]byte(resultJSON), &r.Result); err != nil {
			return nil, fmt.Errorf("decode result %s: %w", r.ID, err)
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

func (s *CheckStore) CountSince(ctx context.Context, userID string, since time.Time) (int, error) {
	var n int
	err := s.db.db.QueryRowContext(ctx, s.db.rebind(`
		SELECT COUNT(*) FROM checks WHERE user_id = ? AND created_at >= ?
	`), userID, since.UnixMilli()).Scan(&n)
	return n, err
}

func (s *CheckStore) Delete(ctx context.Context, userID, id string) error {
	res, err := s.db.db.ExecContext(ctx, s.db.rebind(`
		DELETE FROM checks WHERE id = ? AND user_id = ?
	`), id, userID)
	if err != nil {
		return fmt.Errorf("%w: delete check: %v", store.ErrConnection, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return store.NewNotFoundError("check", id)
	}
	return nil
}
