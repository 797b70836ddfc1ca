// Package approval defines the human-in-the-loop approval plane: request
// and response records, the backend capability set, the strategy cache,
// and secret masking for outbound approval payloads.
package approval

import (
	"errors"
	"time"
)

// Request is one pending approval. Args are sanitized before the request
// leaves the engine: secrets masked, values truncated.
type Request struct {
	RequestID string                 `json:"request_id"`
	Tool      string                 `json:"tool"`
	Args      map[string]interface{} `json:"args"`
	RuleID    string                 `json:"rule_id"`
	Message   string                 `json:"message"`
	SessionID string                 `json:"session_id"`
	Timestamp time.Time              `json:"timestamp"`
}

// Response resolves a Request. The first response wins; later responses
// for the same request are dropped.
type Response struct {
	RequestID string    `json:"request_id"`
	Approved  bool      `json:"approved"`
	Responder string    `json:"responder"`
	Comment   string    `json:"comment,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Status describes a pending request as reported over HTTP.
type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusDenied   Status = "denied"
	StatusExpired  Status = "expired"
)

// ErrUnknownRequest is returned when responding to a request the backend
// does not know, either never submitted or already reaped.
var ErrUnknownRequest = errors.New("unknown approval request")

// ErrAlreadyResolved is returned when a request already received its
// first response.
var ErrAlreadyResolved = errors.New("approval request already resolved")
