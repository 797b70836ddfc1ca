// Package service houses the engine orchestrator: the single component
// that owns the compiled rule set and drives every check through the
// sanitizer, rate limiter, matcher, PII detector, approval plane, and
// trace recorder.
package service

import (
	"github.com/policyshield/policyshield/internal/domain/pii"
	"github.com/policyshield/policyshield/internal/domain/rule"
)

// Mode is the engine's operating mode.
type Mode string

const (
	// ModeEnforce applies verdicts as matched.
	ModeEnforce Mode = "enforce"
	// ModeAudit coerces non-ALLOW verdicts to ALLOW, keeping the rule ID
	// and prefixing the message with "[AUDIT] ".
	ModeAudit Mode = "audit"
	// ModeDisabled short-circuits every check to ALLOW.
	ModeDisabled Mode = "disabled"
)

// AuditPrefix marks messages of verdicts coerced in audit mode.
const AuditPrefix = "[AUDIT] "

// Built-in rule IDs reported for verdicts not produced by a loaded rule.
const (
	RuleIDKillSwitch    = "__kill_switch__"
	RuleIDSanitizer     = "__sanitizer__"
	RuleIDRateLimit     = "__rate_limit__"
	RuleIDInternalError = "__internal_error__"

	// HoneypotRulePrefix is followed by the honeypot tool name.
	HoneypotRulePrefix = "__honeypot__:"
)

// CheckRequest is one tool call to evaluate.
type CheckRequest struct {
	ToolName  string                 `json:"tool_name"`
	Args      map[string]interface{} `json:"args,omitempty"`
	SessionID string                 `json:"session_id,omitempty"`
	Sender    string                 `json:"sender,omitempty"`
	Context   map[string]interface{} `json:"context,omitempty"`
}

// CheckResponse is the engine's decision for one call.
type CheckResponse struct {
	Verdict    rule.Verdict `json:"verdict"`
	RuleID     string       `json:"rule_id,omitempty"`
	Message    string       `json:"message,omitempty"`
	PIIMatches []pii.Match  `json:"pii_matches,omitempty"`
	// OriginalArgs and ModifiedArgs are set together, only when
	// redaction changed something.
	OriginalArgs map[string]interface{} `json:"original_args,omitempty"`
	ModifiedArgs map[string]interface{} `json:"modified_args,omitempty"`
	// ApprovalID is set when the verdict is APPROVE and the request is
	// pending an out-of-band decision.
	ApprovalID string `json:"approval_id,omitempty"`
}

// PostCheckRequest carries a tool's output back for PII tainting.
type PostCheckRequest struct {
	ToolName  string      `json:"tool_name"`
	Output    interface{} `json:"output"`
	SessionID string      `json:"session_id,omitempty"`
}

// PostCheckResponse always allows; it reports what the output contained.
type PostCheckResponse struct {
	Verdict    rule.Verdict `json:"verdict"`
	PIIMatches []pii.Match  `json:"pii_matches,omitempty"`
}

// Status is the engine's operational snapshot for the status endpoint.
type Status struct {
	Running    bool   `json:"running"`
	Killed     bool   `json:"killed"`
	KillReason string `json:"kill_reason,omitempty"`
	Mode       Mode   `json:"mode"`
	RulesCount int    `json:"rules_count"`
	RulesHash  string `json:"rules_hash"`
	Version    string `json:"version"`
}
