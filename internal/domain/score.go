package domain

// SeverityCounts tallies issues per severity.
type SeverityCounts struct {
	Critical int
	Warning  int
	Info     int
}

// CountSeverity tallies issues by severity.
func CountSeverity(issues []Issue) SeverityCounts {
	var c SeverityCounts
	for _, is := range issues {
		switch is.Severity {
		case SeverityCritical:
			c.Critical++
		case SeverityWarning:
			c.Warning++
		case SeverityInfo:
			c.Info++
		}
	}
	return c
}

// Score derives the 0-100 compliance score. Only non-compliant verdicts
// are penalized per issue; info issues never count.
func Score(status Status, issues []Issue) int {
	switch status {
	case StatusCompliant:
		return 100
	case StatusRequiresReview:
		return 70
	}

	score := 100
	for _, is := range issues {
		score -= severityMeta[is.Severity].Penalty
	}
	if score < 0 {
		return 0
	}
	return score
}
