// Package usage computes monthly quota consumption from a plan and a count
// of checks created since the start of the current calendar month.
package usage

import (
	"time"

	"github.com/joss/comply/internal/plan"
)

// Info is the derived usage for one user. ChecksRemaining is -1 when the
// plan is unlimited.
type Info struct {
	Plan                plan.Plan  `json:"plan"`
	ChecksUsedThisMonth int        `json:"checksUsedThisMonth"`
	PlanLimit           plan.Limit `json:"planLimit"`
	ChecksRemaining     int        `json:"checksRemaining"`
	IsAtLimit           bool       `json:"isAtLimit"`
	ResetDate           time.Time  `json:"resetDate"`
}

// Tracker computes usage against the plan tables. Now defaults to
// time.Now and is read in local time.
type Tracker struct {
	Plans plan.Tables
	Now   func() time.Time
}

// NewTracker creates a tracker over the given tables.
func NewTracker(tables plan.Tables) *Tracker {
	return &Tracker{Plans: tables, Now: time.Now}
}

func (t *Tracker) now() time.Time {
	if t.Now == nil {
		return time.Now()
	}
	return t.Now()
}

// MonthlyLimit returns the quota for p; unknown plans resolve to the lowest tier.
func (t *Tracker) MonthlyLimit(p plan.Plan) plan.Limit {
	return t.Plans.MonthlyLimit(p)
}

// Compute derives Info from a plan and the number of checks used this month.
func (t *Tracker) Compute(p plan.Plan, used int) Info {
	if used < 0 {
		used = 0
	}
	limit := t.MonthlyLimit(p)

	info := Info{
		Plan:                p,
		ChecksUsedThisMonth: used,
		PlanLimit:           limit,
		ChecksRemaining:     -1,
		ResetDate:           t.ResetDate(),
	}
	if !limit.IsUnlimited() {
		info.ChecksRemaining = max(0, int(limit)-used)
		info.IsAtLimit = used >= int(limit)
	}
	return info
}

// MonthStart is the first instant of the current month in local time.
func (t *Tracker) MonthStart() time.Time {
	return MonthStart(t.now())
}

// ResetDate is the first instant of the following month in local time.
func (t *Tracker) ResetDate() time.Time {
	return MonthStart(t.now()).AddDate(0, 1, 0)
}

// MonthStart truncates ts to the first instant of its month in local time.
func MonthStart(ts time.Time) time.Time {
	local := ts.Local()
	return time.Date(local.Year(), local.Month(), 1, 0, 0, 0, 0, time.Local)
}
