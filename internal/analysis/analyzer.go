// Package analysis calls the external model that judges marketing content
// against advertising guidelines and returns a structured verdict.
package analysis

import (
	"context"
	"errors"

	"github.com/joss/comply/internal/domain"
)

// ErrMalformed indicates the model answered with an incomplete or invalid
// document. No partial response is ever returned alongside it.
var ErrMalformed = errors.New("malformed analysis response")

// Input is the content under review.
type Input struct {
	Content     string
	ContentType domain.ContentType
	Platform    string
	Image       *domain.Image
}

// Response is the analysis result. Status is the raw upstream value; the
// caller normalizes it.
type Response struct {
	Status         string         `json:"status"`
	Summary        string         `json:"summary"`
	OverallVerdict string         `json:"overallVerdict"`
	Issues         []domain.Issue `json:"issues"`
}

// Analyzer judges content.
type Analyzer interface {
	Analyze(ctx context.Context, in Input) (*Response, error)
}

// Func adapts a plain function to Analyzer.
type Func func(ctx context.Context, in Input) (*Response, error)

// Analyze calls f.
func (f Func) Analyze(ctx context.Context, in Input) (*Response, error) {
	return f(ctx, in)
}
