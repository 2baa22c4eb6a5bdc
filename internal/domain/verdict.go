// Package domain defines the compliance check entities: verdicts, issues,
// severities and the records kept in history.
package domain

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrOffTopic is returned when the analysis reports the content is not
	// marketing material it can judge.
	ErrOffTopic = errors.New("content is not applicable to compliance review")

	// ErrUnknownStatus indicates a status outside the verdict taxonomy.
	ErrUnknownStatus = errors.New("unknown verdict status")

	// ErrUnknownSeverity indicates a severity outside Critical|Warning|Info.
	ErrUnknownSeverity = errors.New("unknown issue severity")
)

// Severity is the weight of a single finding.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityWarning  Severity = "warning"
	SeverityInfo     Severity = "info"
)

// severityMeta holds the display label and score penalty per severity.
var severityMeta = map[Severity]struct {
	Label   string
	Penalty int
}{
	SeverityCritical: {"Critical", 25},
	SeverityWarning:  {"Warning", 10},
	SeverityInfo:     {"Info", 0},
}

// ParseSeverity accepts any casing ("Critical", "WARNING").
func ParseSeverity(raw string) (Severity, error) {
	s := Severity(strings.ToLower(strings.TrimSpace(raw)))
	if _, ok := severityMeta[s]; !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownSeverity, raw)
	}
	return s, nil
}

// Label returns the capitalized name.
func (s Severity) Label() string {
	if m, ok := severityMeta[s]; ok {
		return m.Label
	}
	return string(s)
}

// UnmarshalText normalizes legacy casing when decoding stored verdicts.
func (s *Severity) UnmarshalText(text []byte) error {
	parsed, err := ParseSeverity(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// Status is the overall verdict of a check.
type Status string

const (
	StatusCompliant      Status = "compliant"
	StatusRequiresReview Status = "requires_review"
	StatusNonCompliant   Status = "non_compliant"
)

// statusAliases maps upstream spellings onto the taxonomy. An empty value
// marks an off-topic verdict.
var statusAliases = map[string]Status{
	"compliant":       StatusCompliant,
	"requires_review": StatusRequiresReview,
	"needs_review":    StatusRequiresReview,
	"warning":         StatusRequiresReview,
	"non_compliant":   StatusNonCompliant,
	"noncompliant":    StatusNonCompliant,
	"not_applicable":  "",
	"off_topic":       "",
	"irrelevant":      "",
}

// NormalizeStatus maps a raw upstream status into the taxonomy.
// Off-topic statuses return ErrOffTopic.
func NormalizeStatus(raw string) (Status, error) {
	key := strings.ToLower(strings.TrimSpace(raw))
	key = strings.NewReplacer("-", "_", " ", "_").Replace(key)

	st, ok := statusAliases[key]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownStatus, raw)
	}
	if st == "" {
		return "", ErrOffTopic
	}
	return st, nil
}

// Issue is one finding against a guideline.
type Issue struct {
	GuidelineReference string   `json:"guidelineReference"`
	Finding            string   `json:"finding"`
	Severity           Severity `json:"severity"`
	Recommendation     string   `json:"recommendation"`
}

// Verdict is the normalized analysis result.
type Verdict struct {
	Status         Status  `json:"status"`
	Summary        string  `json:"summary"`
	OverallVerdict string  `json:"overallVerdict"`
	Issues         []Issue `json:"issues"`
}
