package checker

import (
	"github.com/joss/comply/internal/domain"
	"github.com/joss/comply/internal/usage"
)

// State is the orchestrator's position in idle → analyzing → complete|error.
type State string

const (
	StateIdle      State = "idle"
	StateAnalyzing State = "analyzing"
	StateComplete  State = "complete"
	StateError     State = "error"
)

// Snapshot is a read-only copy of the orchestrator state.
type Snapshot struct {
	State   State                `json:"state"`
	Result  *domain.CheckRecord  `json:"result,omitempty"`
	Content string               `json:"content,omitempty"`
	Error   string               `json:"error,omitempty"`
	Usage   usage.Info           `json:"usage"`
	History []domain.CheckRecord `json:"history"`
}
