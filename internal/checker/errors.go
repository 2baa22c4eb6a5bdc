package checker

import (
	"context"
	"errors"
	"fmt"

	"github.com/joss/comply/internal/domain"
	"github.com/joss/comply/internal/plan"
)

var (
	// ErrQuotaExceeded is matched by every *QuotaError.
	ErrQuotaExceeded = errors.New("monthly check quota exceeded")

	// ErrBusy is returned when a check is already being analyzed.
	ErrBusy = errors.New("a check is already in progress")

	// ErrEmptyContent is returned for a check with no text and no image.
	ErrEmptyContent = errors.New("content is empty")

	// ErrPendingSync is returned when deleting a record not yet stored.
	ErrPendingSync = errors.New("check has not been saved yet")

	// ErrOffTopic is the analysis verdict for non-marketing content.
	ErrOffTopic = domain.ErrOffTopic
)

// QuotaError reports the limit that blocked a check.
type QuotaError struct {
	Plan  plan.Plan
	Limit plan.Limit
	Used  int
}

func (e *QuotaError) Error() string {
	return fmt.Sprintf("quota exceeded: %d of %s checks used on plan %s", e.Used, e.Limit, e.Plan)
}

func (e *QuotaError) Is(target error) bool {
	return target == ErrQuotaExceeded
}

// AnalysisError wraps a failed or malformed analysis call, including
// off-topic verdicts.
type AnalysisError struct {
	Err error
}

func (e *AnalysisError) Error() string {
	return "analysis failed: " + e.Err.Error()
}

func (e *AnalysisError) Unwrap() error {
	return e.Err
}

// Message returns the user-facing text for err.
func Message(err error) string {
	var qe *QuotaError
	switch {
	case err == nil:
		return ""
	case errors.As(err, &qe):
		return fmt.Sprintf("You have used all %s checks included in your %s plan this month. Upgrade or wait for the monthly reset.", qe.Limit, qe.Plan)
	case errors.Is(err, ErrOffTopic):
		return "This content does not look like marketing material, so it cannot be checked for compliance."
	case errors.Is(err, ErrEmptyContent):
		return "Enter some content or attach an image to check."
	case errors.Is(err, ErrBusy):
		return "A check is already running. Wait for it to finish."
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "The analysis was interrupted before it finished. Please try again."
	default:
		return "The compliance analysis failed. Please try again in a moment."
	}
}
