// Package session tracks per-session policy state across tool calls:
// call counters, PII taints, and the event buffer consulted by chain rules.
package session

import (
	"time"

	"github.com/policyshield/policyshield/internal/domain/pii"
	"github.com/policyshield/policyshield/internal/domain/rule"
)

// Event is one recorded tool call in a session's buffer.
type Event struct {
	Timestamp time.Time    `json:"timestamp"`
	Tool      string       `json:"tool"`
	Verdict   rule.Verdict `json:"verdict"`
}

// Snapshot is a read-only copy of session state taken under the session
// lock. Condition evaluation works on snapshots so it never holds locks.
type Snapshot struct {
	ID          string             `json:"session_id"`
	CreatedAt   time.Time          `json:"created_at"`
	LastSeen    time.Time          `json:"last_seen"`
	ToolCounts  map[string]int     `json:"tool_counts"`
	TotalCalls  int                `json:"total_calls"`
	Taints      []pii.Type         `json:"taints,omitempty"`
	PIITainted  bool               `json:"pii_tainted"`
	TaintReason string             `json:"taint_reason,omitempty"`
}

// Counter resolves a session predicate key to its numeric value.
// "total_calls" is the call count; "tool_count.<name>" is a per-tool
// counter. Unknown or missing keys resolve to 0.
func (s Snapshot) Counter(key string) float64 {
	if key == "total_calls" {
		return float64(s.TotalCalls)
	}
	const prefix = "tool_count."
	if len(key) > len(prefix) && key[:len(prefix)] == prefix {
		return float64(s.ToolCounts[key[len(prefix):]])
	}
	return 0
}

// HasTaint reports whether the session carries the given PII taint.
func (s Snapshot) HasTaint(typ pii.Type) bool {
	for _, t := range s.Taints {
		if t == typ {
			return true
		}
	}
	return false
}
