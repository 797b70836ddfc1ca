package approval

import (
	"context"
	"time"
)

// Backend is the capability set every approval transport implements.
// Implementations: in-memory (ground truth for tests), webhook, Slack.
type Backend interface {
	// Submit registers a new pending request with the transport.
	Submit(ctx context.Context, req Request) error

	// WaitForResponse blocks until the request is resolved, the timeout
	// elapses, or ctx is canceled. A nil response means timeout.
	WaitForResponse(ctx context.Context, requestID string, timeout time.Duration) (*Response, error)

	// Respond resolves a pending request. The first response wins;
	// subsequent calls return ErrAlreadyResolved.
	Respond(ctx context.Context, requestID string, approved bool, responder, comment string) error

	// Pending lists unresolved requests.
	Pending(ctx context.Context) ([]Request, error)

	// Health probes the transport.
	Health(ctx context.Context) error
}
