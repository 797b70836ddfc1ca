// Package trace defines the decision trace model: one record per checked
// tool call, persisted by a Recorder.
package trace

import (
	"context"
	"time"

	"github.com/policyshield/policyshield/internal/domain/pii"
	"github.com/policyshield/policyshield/internal/domain/rule"
)

// ApprovalOutcome is the approval sub-record attached to traces of
// APPROVE verdicts.
type ApprovalOutcome struct {
	RequestID string `json:"request_id"`
	Approved  bool   `json:"approved"`
	Responder string `json:"responder,omitempty"`
	TimedOut  bool   `json:"timed_out,omitempty"`
}

// Record is one trace line. Exactly one of Args and ArgsHash is set,
// depending on privacy mode.
type Record struct {
	Timestamp time.Time              `json:"timestamp"`
	SessionID string                 `json:"session_id,omitempty"`
	Tool      string                 `json:"tool"`
	Verdict   rule.Verdict           `json:"verdict"`
	RuleID    string                 `json:"rule_id,omitempty"`
	PIITypes  []pii.Type             `json:"pii_types,omitempty"`
	LatencyMS float64                `json:"latency_ms"`
	Args      map[string]interface{} `json:"args,omitempty"`
	ArgsHash  string                 `json:"args_hash,omitempty"`
	Approval  *ApprovalOutcome       `json:"approval,omitempty"`
}

// Recorder persists trace records. Implementations buffer internally;
// Flush forces buffered records to storage.
type Recorder interface {
	Record(ctx context.Context, rec Record) error
	Flush(ctx context.Context) error
	Close() error
}
