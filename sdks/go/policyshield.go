// Package policyshield provides a Go SDK for the PolicyShield check API.
//
// PolicyShield is a policy enforcement point for AI agent tool calls.
// This SDK lets Go programs ask for a verdict before executing a tool
// call, and report tool output back for PII tainting. It uses only the
// standard library.
//
// Quick start:
//
//	// Set POLICYSHIELD_SERVER_ADDR and POLICYSHIELD_API_TOKEN, then:
//	client := policyshield.NewClient()
//
//	resp, err := client.Check(ctx, policyshield.CheckRequest{
//	    ToolName:  "read_file",
//	    Args:      map[string]any{"path": "/tmp/notes.txt"},
//	    SessionID: "agent-1",
//	})
//	if err != nil {
//	    var blocked *policyshield.BlockedError
//	    if errors.As(err, &blocked) {
//	        fmt.Printf("blocked by rule %s: %s\n", blocked.RuleID, blocked.Message)
//	    }
//	}
package policyshield

// Verdict is the outcome of a policy check.
type Verdict string

const (
	// VerdictAllow permits the tool call unchanged.
	VerdictAllow Verdict = "ALLOW"

	// VerdictRedact permits the call with ModifiedArgs substituted.
	VerdictRedact Verdict = "REDACT"

	// VerdictApprove means the call is pending a human decision.
	VerdictApprove Verdict = "APPROVE"

	// VerdictBlock denies the call.
	VerdictBlock Verdict = "BLOCK"
)

// CheckRequest is one tool call to evaluate.
type CheckRequest struct {
	// ToolName identifies the tool being called.
	ToolName string `json:"tool_name"`

	// Args are the call's arguments.
	Args map[string]any `json:"args,omitempty"`

	// SessionID groups calls for counters, chains, and taints.
	SessionID string `json:"session_id,omitempty"`

	// Sender is the agent identity, matched by sender clauses.
	Sender string `json:"sender,omitempty"`

	// Context carries custom keys for context clauses.
	Context map[string]any `json:"context,omitempty"`
}

// PIIMatch is one detected piece of personal data.
type PIIMatch struct {
	// Type is the PII class (EMAIL, PHONE, SSN, CREDIT_CARD,
	// IP_ADDRESS, PASSPORT, CUSTOM).
	Type string `json:"type"`

	// Field is the dotted path to the matched field.
	Field string `json:"field,omitempty"`

	// Start and End are byte offsets into the field's string form.
	Start int `json:"start"`
	End   int `json:"end"`

	// MaskedValue is the replacement for the matched span.
	MaskedValue string `json:"masked_value"`

	// Pattern names the custom pattern for CUSTOM matches.
	Pattern string `json:"pattern,omitempty"`
}

// CheckResponse is the server's decision for one call.
type CheckResponse struct {
	Verdict    Verdict    `json:"verdict"`
	RuleID     string     `json:"rule_id,omitempty"`
	Message    string     `json:"message,omitempty"`
	PIIMatches []PIIMatch `json:"pii_matches,omitempty"`

	// OriginalArgs and ModifiedArgs are set together when redaction
	// changed something; run the tool with ModifiedArgs.
	OriginalArgs map[string]any `json:"original_args,omitempty"`
	ModifiedArgs map[string]any `json:"modified_args,omitempty"`

	// ApprovalID is set when the verdict is APPROVE and the decision is
	// pending; poll CheckApproval with it.
	ApprovalID string `json:"approval_id,omitempty"`

	RequestID string `json:"request_id,omitempty"`
}

// PostCheckRequest reports a tool's output for PII tainting.
type PostCheckRequest struct {
	ToolName  string `json:"tool_name"`
	Output    any    `json:"output"`
	SessionID string `json:"session_id,omitempty"`
}

// PostCheckResponse reports what the output contained. The verdict is
// always ALLOW; taints influence later checks, not this call.
type PostCheckResponse struct {
	Verdict    Verdict    `json:"verdict"`
	PIIMatches []PIIMatch `json:"pii_matches,omitempty"`
}

// ApprovalStatus is the lifecycle state of an approval request.
type ApprovalStatus string

const (
	ApprovalPending  ApprovalStatus = "pending"
	ApprovalApproved ApprovalStatus = "approved"
	ApprovalDenied   ApprovalStatus = "denied"
	ApprovalExpired  ApprovalStatus = "expired"
)

// ApprovalInfo is the server's view of one approval request.
type ApprovalInfo struct {
	RequestID string         `json:"request_id"`
	Status    ApprovalStatus `json:"status"`
	Responder string         `json:"responder,omitempty"`
	Comment   string         `json:"comment,omitempty"`
}
