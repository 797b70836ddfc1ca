// Package memory provides in-process adapter implementations, used as
// the default backends and as ground truth in tests.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/policyshield/policyshield/internal/domain/approval"
)

// DefaultGCTTL reaps unresolved requests that nobody is waiting on.
const DefaultGCTTL = time.Hour

const defaultGCInterval = time.Minute

// pendingRequest pairs a request with its single-use result channel.
// The channel is buffered so the first responder never blocks.
type pendingRequest struct {
	req      approval.Request
	resultCh chan approval.Response
	resolved bool
	created  time.Time
}

// ApprovalBackend is the in-memory approval transport. First response
// wins; a background reaper drops stale requests past the GC TTL.
type ApprovalBackend struct {
	mu      sync.Mutex
	pending map[string]*pendingRequest

	gcTTL      time.Duration
	gcInterval time.Duration
	now        func() time.Time

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// ApprovalOption configures an ApprovalBackend.
type ApprovalOption func(*ApprovalBackend)

// WithGCTTL overrides how long unresolved requests are kept.
func WithGCTTL(ttl time.Duration) ApprovalOption {
	return func(b *ApprovalBackend) { b.gcTTL = ttl }
}

// WithGCInterval overrides the reaper cadence.
func WithGCInterval(d time.Duration) ApprovalOption {
	return func(b *ApprovalBackend) { b.gcInterval = d }
}

// WithApprovalClock injects a time source for deterministic tests.
func WithApprovalClock(now func() time.Time) ApprovalOption {
	return func(b *ApprovalBackend) { b.now = now }
}

// NewApprovalBackend creates the backend and starts its reaper.
func NewApprovalBackend(opts ...ApprovalOption) *ApprovalBackend {
	b := &ApprovalBackend{
		pending:    make(map[string]*pendingRequest),
		gcTTL:      DefaultGCTTL,
		gcInterval: defaultGCInterval,
		now:        time.Now,
		stopCh:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}

	b.wg.Add(1)
	go b.reapLoop()
	return b
}

// Stop terminates the reaper goroutine. Idempotent.
func (b *ApprovalBackend) Stop() {
	b.stopOnce.Do(func() { close(b.stopCh) })
	b.wg.Wait()
}

// Submit registers a pending request.
func (b *ApprovalBackend) Submit(_ context.Context, req approval.Request) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.pending[req.RequestID] = &pendingRequest{
		req:      req,
		resultCh: make(chan approval.Response, 1),
		created:  b.now(),
	}
	return nil
}

// WaitForResponse blocks until the request resolves, the timeout fires,
// or ctx is canceled. Timeout returns (nil, nil); the engine applies its
// on_timeout policy. The request entry is removed either way.
func (b *ApprovalBackend) WaitForResponse(ctx context.Context, requestID string, timeout time.Duration) (*approval.Response, error) {
	b.mu.Lock()
	p, ok := b.pending[requestID]
	b.mu.Unlock()
	if !ok {
		return nil, approval.ErrUnknownRequest
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	defer func() {
		b.mu.Lock()
		delete(b.pending, requestID)
		b.mu.Unlock()
	}()

	select {
	case resp := <-p.resultCh:
		return &resp, nil
	case <-timer.C:
		return nil, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Respond resolves a pending request. The first response wins; later
// calls return ErrAlreadyResolved.
func (b *ApprovalBackend) Respond(_ context.Context, requestID string, approved bool, responder, comment string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	p, ok := b.pending[requestID]
	if !ok {
		return approval.ErrUnknownRequest
	}
	if p.resolved {
		return approval.ErrAlreadyResolved
	}
	p.resolved = true

	p.resultCh <- approval.Response{
		RequestID: requestID,
		Approved:  approved,
		Responder: responder,
		Comment:   comment,
		Timestamp: b.now(),
	}
	return nil
}

// Pending lists unresolved requests.
func (b *ApprovalBackend) Pending(_ context.Context) ([]approval.Request, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]approval.Request, 0, len(b.pending))
	for _, p := range b.pending {
		if !p.resolved {
			out = append(out, p.req)
		}
	}
	return out, nil
}

// Health always succeeds for the in-memory backend.
func (b *ApprovalBackend) Health(_ context.Context) error {
	return nil
}

// reapLoop drops requests past the GC TTL.
func (b *ApprovalBackend) reapLoop() {
	defer b.wg.Done()

	ticker := time.NewTicker(b.gcInterval)
	defer ticker.Stop()

	for {
		select {
		case <-b.stopCh:
			return
		case <-ticker.C:
			b.reap()
		}
	}
}

func (b *ApprovalBackend) reap() {
	cutoff := b.now().Add(-b.gcTTL)

	b.mu.Lock()
	defer b.mu.Unlock()
	for id, p := range b.pending {
		if p.created.Before(cutoff) {
			delete(b.pending, id)
		}
	}
}

var _ approval.Backend = (*ApprovalBackend)(nil)
