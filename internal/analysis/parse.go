package analysis

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/joss/comply/internal/domain"
)

type wireIssue struct {
	GuidelineReference string `json:"guidelineReference"`
	Finding            string `json:"finding"`
	Severity           string `json:"severity"`
	Recommendation     string `json:"recommendation"`
}

type wireResponse struct {
	Status         string      `json:"status"`
	Summary        string      `json:"summary"`
	OverallVerdict string      `json:"overallVerdict"`
	Issues         []wireIssue `json:"issues"`
}

// Parse decodes a model answer. Code fences are tolerated; missing fields
// and unknown severities are not.
func Parse(raw string) (*Response, error) {
	body := strings.TrimSpace(raw)
	body = strings.TrimPrefix(body, "```json")
	body = strings.TrimPrefix(body, "```")
	body = strings.TrimSuffix(body, "```")

	var w wireResponse
	if err := json.Unmarshal([]byte(strings.TrimSpace(body)), &w); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	switch {
	case strings.TrimSpace(w.Status) == "":
		return nil, fmt.Errorf("%w: missing status", ErrMalformed)
	case strings.TrimSpace(w.Summary) == "":
		return nil, fmt.Errorf("%w: missing summary", ErrMalformed)
	case strings.TrimSpace(w.OverallVerdict) == "":
		return nil, fmt.Errorf("%w: missing overallVerdict", ErrMalformed)
	}

	resp := &Response{
		Status:         w.Status,
		Summary:        w.Summary,
		OverallVerdict: w.OverallVerdict,
		Issues:         make([]domain.Issue, 0, len(w.Issues)),
	}
	for i, is := range w.Issues {
		sev, err := domain.ParseSeverity(is.Severity)
		if err != nil {
			return nil, fmt.Errorf("%w: issue %d: %v", ErrMalformed, i, err)
		}
		if is.Finding == "" {
			return nil, fmt.Errorf("%w: issue %d: missing finding", ErrMalformed, i)
		}
		resp.Issues = append(resp.Issues, domain.Issue{
			GuidelineReference: is.GuidelineReference,
			Finding:            is.Finding,
			Severity:           sev,
			Recommendation:     is.Recommendation,
		})
	}
	return resp, nil
}
