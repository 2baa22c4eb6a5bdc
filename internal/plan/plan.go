// Package plan holds the subscription tier tables: monthly check quota and
// history visibility depth per plan.
package plan

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Plan identifies a subscription tier.
type Plan string

const (
	Free         Plan = "free"
	Starter      Plan = "starter"
	Professional Plan = "professional"
	Ultra        Plan = "ultra"
)

// Limit is a monthly check quota. Unlimited marks a plan without a cap.
type Limit int

// Unlimited is the quota of plans without a monthly cap.
const Unlimited Limit = -1

// IsUnlimited reports whether the limit has no cap.
func (l Limit) IsUnlimited() bool { return l < 0 }

func (l Limit) String() string {
	if l.IsUnlimited() {
		return "unlimited"
	}
	return strconv.Itoa(int(l))
}

// UnmarshalYAML accepts an integer or the word "unlimited".
func (l *Limit) UnmarshalYAML(node *yaml.Node) error {
	if strings.EqualFold(node.Value, "unlimited") {
		*l = Unlimited
		return nil
	}
	n, err := strconv.Atoi(node.Value)
	if err != nil {
		return fmt.Errorf("plan limit %q: %w", node.Value, err)
	}
	if n < 0 {
		return fmt.Errorf("plan limit %d: must not be negative", n)
	}
	*l = Limit(n)
	return nil
}

// Tables maps plans to their quota and history depth. Lowest is used for
// any plan not present in the maps.
type Tables struct {
	Lowest       Plan           `yaml:"lowest"`
	Limits       map[Plan]Limit `yaml:"limits"`
	HistoryDepth map[Plan]int   `yaml:"history_depth"`
}

// Default returns the built-in tier tables.
func Default() Tables {
	return Tables{
		Lowest: Free,
		Limits: map[Plan]Limit{
			Free:         3,
			Starter:      10,
			Professional: 30,
			Ultra:        Unlimited,
		},
		HistoryDepth: map[Plan]int{
			Free:         5,
			Starter:      20,
			Professional: 50,
			Ultra:        100,
		},
	}
}

// Load reads tables from a YAML file. Keys present in the file replace the
// defaults; the rest are kept.
func Load(path string) (Tables, error) {
	t := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return t, fmt.Errorf("read plans file: %w", err)
	}

	var file Tables
	if err := yaml.Unmarshal(data, &file); err != nil {
		return t, fmt.Errorf("parse plans file: %w", err)
	}
	if file.Lowest != "" {
		t.Lowest = file.Lowest
	}
	for p, l := range file.Limits {
		t.Limits[p] = l
	}
	for p, d := range file.HistoryDepth {
		t.HistoryDepth[p] = d
	}

	if err := t.Validate(); err != nil {
		return t, err
	}
	return t, nil
}

// Validate checks that the fallback tier exists and is capped.
func (t Tables) Validate() error {
	limit, ok := t.Limits[t.Lowest]
	if !ok {
		return fmt.Errorf("lowest plan %q has no limit", t.Lowest)
	}
	if limit.IsUnlimited() {
		return errors.New("lowest plan must not be unlimited")
	}
	if _, ok := t.HistoryDepth[t.Lowest]; !ok {
		return fmt.Errorf("lowest plan %q has no history depth", t.Lowest)
	}
	for p, d := range t.HistoryDepth {
		if d <= 0 {
			return fmt.Errorf("plan %q: history depth must be positive", p)
		}
	}
	return nil
}

// Resolve returns p when known, or the lowest tier.
func (t Tables) Resolve(p Plan) Plan {
	if _, ok := t.Limits[p]; ok {
		return p
	}
	return t.Lowest
}

// MonthlyLimit returns the quota for p. Unknown plans get the lowest tier's
// limit, never Unlimited.
func (t Tables) MonthlyLimit(p Plan) Limit {
	return t.Limits[t.Resolve(p)]
}

// Depth returns how many recent records p may see.
func (t Tables) Depth(p Plan) int {
	if d, ok := t.HistoryDepth[p]; ok {
		return d
	}
	return t.HistoryDepth[t.Lowest]
}

// Plans lists the known plans ordered by limit, unlimited last.
func (t Tables) Plans() []Plan {
	out := make([]Plan, 0, len(t.Limits))
	for p := range t.Limits {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		li, lj := t.Limits[out[i]], t.Limits[out[j]]
		if li.IsUnlimited() != lj.IsUnlimited() {
			return lj.IsUnlimited()
		}
		if li != lj {
			return li < lj
		}
		return out[i] < out[j]
	})
	return out
}

// Parse normalizes a plan name from user input.
func Parse(raw string) Plan {
	return Plan(strings.ToLower(strings.TrimSpace(raw)))
}
