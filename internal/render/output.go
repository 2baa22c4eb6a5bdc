// Package render formats checks, usage and history for the terminal.
package render

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/fatih/color"

	"github.com/joss/comply/internal/domain"
	"github.com/joss/comply/internal/plan"
	"github.com/joss/comply/internal/usage"
)

// Renderer handles output formatting.
type Renderer struct {
	pretty bool
}

// New creates a new renderer. Pretty output uses color and box rules.
func New(pretty bool) *Renderer {
	return &Renderer{pretty: pretty}
}

// JSON writes v as indented JSON.
func JSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func (r *Renderer) rule(sb *strings.Builder) {
	if r.pretty {
		sb.WriteString(strings.Repeat("─", 60) + "\n")
	}
}

// StatusLabel renders a verdict status.
func (r *Renderer) StatusLabel(s domain.Status) string {
	label := strings.ToUpper(strings.ReplaceAll(string(s), "_", " "))
	if !r.pretty {
		return label
	}
	switch s {
	case domain.StatusCompliant:
		return color.GreenString("✓ " + label)
	case domain.StatusRequiresReview:
		return color.YellowString("! " + label)
	default:
		return color.RedString("✗ " + label)
	}
}

func (r *Renderer) severity(s domain.Severity) string {
	label := fmt.Sprintf("%-8s", s.Label())
	if !r.pretty {
		return "[" + strings.TrimSpace(label) + "]"
	}
	switch s {
	case domain.SeverityCritical:
		return color.RedString(label)
	case domain.SeverityWarning:
		return color.YellowString(label)
	default:
		return color.HiBlackString(label)
	}
}

// Check formats one check result.
func (r *Renderer) Check(rec domain.CheckRecord) string {
	var sb strings.Builder

	if r.pretty {
		sb.WriteString(color.CyanString("Compliance Check\n"))
	}
	r.rule(&sb)
	fmt.Fprintf(&sb, "%s  score %d/100\n", r.StatusLabel(rec.OverallStatus), rec.ComplianceScore)
	fmt.Fprintf(&sb, "id: %s  platform: %s  type: %s\n", rec.ID, rec.Platform, rec.ContentType)
	if rec.Result.Summary != "" {
		fmt.Fprintf(&sb, "\n%s\n", rec.Result.Summary)
	}
	if rec.Result.OverallVerdict != "" {
		fmt.Fprintf(&sb, "Verdict: %s\n", rec.Result.OverallVerdict)
	}

	if len(rec.Result.Issues) > 0 {
		c := domain.CountSeverity(rec.Result.Issues)
		fmt.Fprintf(&sb, "\nIssues (%d critical, %d warning, %d info):\n", c.Critical, c.Warning, c.Info)
		for _, is := range rec.Result.Issues {
			fmt.Fprintf(&sb, "  %s %s", r.severity(is.Severity), is.Finding)
			if is.GuidelineReference != "" {
				fmt.Fprintf(&sb, " (%s)", is.GuidelineReference)
			}
			sb.WriteString("\n")
			if is.Recommendation != "" {
				fmt.Fprintf(&sb, "    └─ %s\n", is.Recommendation)
			}
		}
	}
	return sb.String()
}

// Usage formats quota consumption.
func (r *Renderer) Usage(info usage.Info) string {
	var sb strings.Builder

	limit := info.PlanLimit.String()
	remaining := "unlimited"
	if !info.PlanLimit.IsUnlimited() {
		remaining = fmt.Sprintf("%d", info.ChecksRemaining)
	}

	line := fmt.Sprintf("%d / %s checks used this month on %s (%s remaining)", info.ChecksUsedThisMonth, limit, info.Plan, remaining)
	if r.pretty && info.IsAtLimit {
		line = color.RedString(line)
	}
	sb.WriteString(line + "\n")
	fmt.Fprintf(&sb, "Resets on %s\n", info.ResetDate.Format("2006-01-02"))
	if info.IsAtLimit {
		sb.WriteString("Monthly limit reached.\n")
	}
	return sb.String()
}

// History formats a history listing.
func (r *Renderer) History(records []domain.CheckRecord) string {
	if len(records) == 0 {
		return "No checks yet\n"
	}

	var sb strings.Builder
	if r.pretty {
		sb.WriteString(color.CyanString("Recent Checks\n"))
	}
	r.rule(&sb)
	for _, rec := range records {
		id := rec.ID
		if rec.IsProvisional() {
			id += " (pending)"
		}
		ts := rec.CreatedAt.Local().Format("2006-01-02 15:04")
		if r.pretty {
			ts = color.HiBlackString(ts)
		}
		fmt.Fprintf(&sb, "%s %3d %-10s %s  %s\n", ts, rec.ComplianceScore, rec.Platform, r.StatusLabel(rec.OverallStatus), Truncate(rec.ContentText, 40))
		fmt.Fprintf(&sb, "    %s\n", id)
	}
	return sb.String()
}

// Plans formats the plan tables.
func (r *Renderer) Plans(t plan.Tables) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%-14s %-10s %s\n", "PLAN", "MONTHLY", "HISTORY")
	for _, p := range t.Plans() {
		fmt.Fprintf(&sb, "%-14s %-10s %d\n", p, t.MonthlyLimit(p), t.Depth(p))
	}
	fmt.Fprintf(&sb, "\nUnknown plans use %s.\n", t.Lowest)
	return sb.String()
}

// Truncate shortens s to max runes, on one line.
func Truncate(s string, max int) string {
	s = strings.Join(strings.Fields(s), " ")
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	if max <= 3 {
		return string(runes[:max])
	}
	return string(runes[:max-3]) + "..."
}
