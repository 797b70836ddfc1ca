// Package webhook implements the approval backend over HTTP callbacks,
// in synchronous and polling modes, with HMAC-signed payloads and a
// circuit breaker around the remote endpoint.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/policyshield/policyshield/internal/domain/approval"
)

// Mode selects how the endpoint reports decisions.
type Mode string

const (
	// ModeSync expects the decision in the POST response body.
	ModeSync Mode = "sync"
	// ModePoll expects a poll_url in the POST response and polls it.
	ModePoll Mode = "poll"
)

// Config holds webhook backend configuration.
type Config struct {
	// URL receives the approval request POST.
	URL string
	// Mode is sync or poll (default sync).
	Mode Mode
	// Secret enables HMAC signing of request bodies when non-empty.
	Secret string
	// RequestTimeout bounds each HTTP call (default 10s).
	RequestTimeout time.Duration
	// PollInterval is the poll cadence in poll mode (default 2s).
	PollInterval time.Duration
}

// syncDecision is the response body in sync mode.
type syncDecision struct {
	Approved bool   `json:"approved"`
	Reason   string `json:"reason"`
}

// pollHandle is the response body to the initial POST in poll mode.
type pollHandle struct {
	PollURL string `json:"poll_url"`
}

// pollStatus is the response body of each poll in poll mode.
type pollStatus struct {
	Status string `json:"status"` // pending | approved | denied
	Reason string `json:"reason"`
}

type pendingEntry struct {
	req      approval.Request
	resultCh chan approval.Response
	resolved bool
	cancel   context.CancelFunc
}

// Backend implements approval.Backend over a remote HTTP endpoint.
// Out-of-band Respond calls race the transport; first response wins.
type Backend struct {
	cfg     Config
	client  *http.Client
	breaker *gobreaker.CircuitBreaker
	logger  *slog.Logger

	mu      sync.Mutex
	pending map[string]*pendingEntry
}

// New creates a webhook Backend.
func New(cfg Config, logger *slog.Logger) (*Backend, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("webhook backend requires a URL")
	}
	if cfg.Mode == "" {
		cfg.Mode = ModeSync
	}
	if cfg.Mode != ModeSync && cfg.Mode != ModePoll {
		return nil, fmt.Errorf("unknown webhook mode %q", cfg.Mode)
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 10 * time.Second
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}

	return &Backend{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.RequestTimeout},
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name: "approval-webhook",
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 3
			},
			Timeout: 30 * time.Second,
		}),
		logger:  logger,
		pending: make(map[string]*pendingEntry),
	}, nil
}

// Submit registers the request and starts the transport goroutine that
// posts it to the endpoint and, in poll mode, polls for the decision.
func (b *Backend) Submit(ctx context.Context, req approval.Request) error {
	transportCtx, cancel := context.WithCancel(context.Background())
	entry := &pendingEntry{
		req:      req,
		resultCh: make(chan approval.Response, 1),
		cancel:   cancel,
	}

	b.mu.Lock()
	b.pending[req.RequestID] = entry
	b.mu.Unlock()

	go b.runTransport(transportCtx, req)
	return nil
}

// WaitForResponse blocks until the endpoint or an out-of-band Respond
// resolves the request, the timeout fires, or ctx is canceled. Timeout
// returns (nil, nil).
func (b *Backend) WaitForResponse(ctx context.Context, requestID string, timeout time.Duration) (*approval.Response, error) {
	b.mu.Lock()
	entry, ok := b.pending[requestID]
	b.mu.Unlock()
	if !ok {
		return nil, approval.ErrUnknownRequest
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	defer func() {
		entry.cancel()
		b.mu.Lock()
		delete(b.pending, requestID)
		b.mu.Unlock()
	}()

	select {
	case resp := <-entry.resultCh:
		return &resp, nil
	case <-timer.C:
		return nil, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Respond resolves a request out of band, e.g. from the HTTP admin API.
func (b *Backend) Respond(_ context.Context, requestID string, approved bool, responder, comment string) error {
	return b.resolve(requestID, approval.Response{
		RequestID: requestID,
		Approved:  approved,
		Responder: responder,
		Comment:   comment,
		Timestamp: time.Now().UTC(),
	})
}

// Pending lists unresolved requests.
func (b *Backend) Pending(_ context.Context) ([]approval.Request, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]approval.Request, 0, len(b.pending))
	for _, e := range b.pending {
		if !e.resolved {
			out = append(out, e.req)
		}
	}
	return out, nil
}

// Health reports the breaker state; an open breaker means the endpoint
// has been failing.
func (b *Backend) Health(_ context.Context) error {
	if b.breaker.State() == gobreaker.StateOpen {
		return fmt.Errorf("webhook endpoint unavailable (circuit open)")
	}
	return nil
}

// resolve delivers a response if the request is still pending. The first
// caller wins.
func (b *Backend) resolve(requestID string, resp approval.Response) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	entry, ok := b.pending[requestID]
	if !ok {
		return approval.ErrUnknownRequest
	}
	if entry.resolved {
		return approval.ErrAlreadyResolved
	}
	entry.resolved = true
	entry.resultCh <- resp
	return nil
}

// runTransport posts the request and drives the configured mode.
func (b *Backend) runTransport(ctx context.Context, req approval.Request) {
	body, err := json.Marshal(req)
	if err != nil {
		b.logger.Error("webhook: marshal approval request", "request_id", req.RequestID, "error", err)
		return
	}

	respBody, err := b.post(ctx, b.cfg.URL, body)
	if err != nil {
		b.logger.Error("webhook: submit failed", "request_id", req.RequestID, "error", err)
		return
	}

	switch b.cfg.Mode {
	case ModeSync:
		var decision syncDecision
		if err := json.Unmarshal(respBody, &decision); err != nil {
			b.logger.Error("webhook: malformed sync decision", "request_id", req.RequestID, "error", err)
			return
		}
		b.deliver(req.RequestID, decision.Approved, decision.Reason)
	case ModePoll:
		var handle pollHandle
		if err := json.Unmarshal(respBody, &handle); err != nil || handle.PollURL == "" {
			b.logger.Error("webhook: malformed poll handle", "request_id", req.RequestID, "error", err)
			return
		}
		b.poll(ctx, req.RequestID, handle.PollURL)
	}
}

// poll queries the poll URL until the decision arrives or ctx ends.
func (b *Backend) poll(ctx context.Context, requestID, pollURL string) {
	ticker := time.NewTicker(b.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		respBody, err := b.get(ctx, pollURL)
		if err != nil {
			b.logger.Warn("webhook: poll failed", "request_id", requestID, "error", err)
			continue
		}

		var status pollStatus
		if err := json.Unmarshal(respBody, &status); err != nil {
			b.logger.Warn("webhook: malformed poll status", "request_id", requestID, "error", err)
			continue
		}

		switch status.Status {
		case "approved":
			b.deliver(requestID, true, status.Reason)
			return
		case "denied":
			b.deliver(requestID, false, status.Reason)
			return
		}
	}
}

// deliver resolves the request with the endpoint's decision. Losing the
// race to an out-of-band Respond is not an error.
func (b *Backend) deliver(requestID string, approved bool, reason string) {
	_ = b.resolve(requestID, approval.Response{
		RequestID: requestID,
		Approved:  approved,
		Responder: "webhook",
		Comment:   reason,
		Timestamp: time.Now().UTC(),
	})
}

// post sends a signed POST through the circuit breaker.
func (b *Backend) post(ctx context.Context, url string, body []byte) ([]byte, error) {
	result, err := b.breaker.Execute(func() (interface{}, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		if b.cfg.Secret != "" {
			req.Header.Set(SignatureHeader, Sign(b.cfg.Secret, body))
		}
		return b.do(req)
	})
	if err != nil {
		return nil, err
	}
	return result.([]byte), nil
}

// get fetches a poll URL through the circuit breaker.
func (b *Backend) get(ctx context.Context, url string) ([]byte, error) {
	result, err := b.breaker.Execute(func() (interface{}, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, err
		}
		return b.do(req)
	})
	if err != nil {
		return nil, err
	}
	return result.([]byte), nil
}

func (b *Backend) do(req *http.Request) ([]byte, error) {
	resp, err := b.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("webhook endpoint returned %d", resp.StatusCode)
	}
	return io.ReadAll(io.LimitReader(resp.Body, 1<<20))
}

var _ approval.Backend = (*Backend)(nil)
