package policyshield

import (
	"errors"
	"fmt"
)

// Sentinel errors for use with errors.Is().
var (
	// ErrBlocked is returned when a check results in a BLOCK verdict.
	ErrBlocked = errors.New("blocked by policy")

	// ErrApprovalTimeout is returned when approval polling exceeds the
	// maximum wait time.
	ErrApprovalTimeout = errors.New("approval timeout")

	// ErrServerUnreachable is returned when the PolicyShield server
	// cannot be contacted.
	ErrServerUnreachable = errors.New("server unreachable")
)

// APIError is returned for non-2xx HTTP responses.
type APIError struct {
	// StatusCode is the HTTP status returned by the server.
	StatusCode int
	// Body is the raw response body.
	Body string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("policyshield: server returned %d: %s", e.StatusCode, e.Body)
}

// BlockedError is returned when a check results in a BLOCK verdict.
// It carries the blocking rule's details.
type BlockedError struct {
	// RuleID identifies the blocking rule. Built-in verdicts use
	// double-underscore IDs like "__kill_switch__".
	RuleID string
	// Message explains the denial.
	Message string
	// RequestID identifies the check on the server side.
	RequestID string
}

func (e *BlockedError) Error() string {
	if e.RuleID != "" {
		return fmt.Sprintf("blocked by rule %q: %s", e.RuleID, e.Message)
	}
	return fmt.Sprintf("blocked: %s", e.Message)
}

// Is supports errors.Is(err, ErrBlocked).
func (e *BlockedError) Is(target error) bool {
	return target == ErrBlocked
}

// ApprovalTimeoutError is returned when approval polling exceeds the
// maximum wait time. The request stays pending on the server.
type ApprovalTimeoutError struct {
	// ApprovalID identifies the still-pending approval request.
	ApprovalID string
}

func (e *ApprovalTimeoutError) Error() string {
	return fmt.Sprintf("approval timeout for request %s", e.ApprovalID)
}

// Is supports errors.Is(err, ErrApprovalTimeout).
func (e *ApprovalTimeoutError) Is(target error) bool {
	return target == ErrApprovalTimeout
}

// ServerUnreachableError is returned when the PolicyShield server
// cannot be contacted and the client runs fail-closed.
type ServerUnreachableError struct {
	// Cause is the underlying transport error.
	Cause error
}

func (e *ServerUnreachableError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("server unreachable: %v", e.Cause)
	}
	return "server unreachable"
}

// Unwrap returns the underlying cause.
func (e *ServerUnreachableError) Unwrap() error {
	return e.Cause
}

// Is supports errors.Is(err, ErrServerUnreachable).
func (e *ServerUnreachableError) Is(target error) bool {
	return target == ErrServerUnreachable
}
