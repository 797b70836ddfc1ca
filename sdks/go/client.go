package policyshield

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Client talks to the PolicyShield check API.
type Client struct {
	serverAddr string
	apiToken   string
	sessionID  string
	sender     string
	failMode   string
	timeout    time.Duration
	httpClient *http.Client

	// waitApproval makes Check poll APPROVE verdicts to a final decision.
	waitApproval bool
	pollInterval time.Duration
	maxPolls     int

	// ALLOW verdicts are cached briefly, keyed by tool and args hash.
	cache        sync.Map
	cacheTTL     time.Duration
	cacheMaxSize int
	cacheCount   int64
	cacheMu      sync.Mutex

	logger *slog.Logger
}

// cacheEntry is a cached check response with expiry.
type cacheEntry struct {
	response  *CheckResponse
	expiresAt time.Time
	createdAt time.Time
}

// NewClient creates a PolicyShield SDK client. It reads defaults from
// POLICYSHIELD_* environment variables; options override them.
func NewClient(opts ...Option) *Client {
	c := &Client{
		serverAddr:   envOrDefault("POLICYSHIELD_SERVER_ADDR", "http://127.0.0.1:8080"),
		apiToken:     os.Getenv("POLICYSHIELD_API_TOKEN"),
		sessionID:    os.Getenv("POLICYSHIELD_SESSION_ID"),
		sender:       os.Getenv("POLICYSHIELD_SENDER"),
		failMode:     envOrDefault("POLICYSHIELD_FAIL_MODE", "open"),
		timeout:      parseDurationEnv("POLICYSHIELD_TIMEOUT", 5*time.Second),
		pollInterval: 2 * time.Second,
		maxPolls:     30,
		cacheTTL:     parseDurationEnv("POLICYSHIELD_CACHE_TTL", 5*time.Second),
		cacheMaxSize: parseIntEnv("POLICYSHIELD_CACHE_MAX_SIZE", 1000),
		logger:       slog.Default(),
	}

	for _, opt := range opts {
		opt(c)
	}

	if c.httpClient == nil {
		c.httpClient = &http.Client{Timeout: c.timeout}
	}
	return c
}

// Check evaluates one tool call. BLOCK verdicts come back as a
// *BlockedError; ALLOW and REDACT come back as responses (run the tool
// with ModifiedArgs when set). APPROVE is returned as-is unless the
// client was built WithWaitForApproval, in which case it is polled to a
// final decision. When the server is unreachable and the fail mode is
// "open", the call is allowed with a warning.
func (c *Client) Check(ctx context.Context, req CheckRequest) (*CheckResponse, error) {
	if req.SessionID == "" {
		req.SessionID = c.sessionID
	}
	if req.Sender == "" {
		req.Sender = c.sender
	}

	cacheKey := c.buildCacheKey(req)
	if resp, ok := c.getFromCache(cacheKey); ok {
		return resp, nil
	}

	var resp CheckResponse
	if err := c.doRequest(ctx, http.MethodPost, "/api/v1/check", req, &resp); err != nil {
		if isConnectionError(err) {
			if c.failMode == "closed" {
				return nil, &ServerUnreachableError{Cause: err}
			}
			c.logger.Warn("policyshield server unreachable, failing open",
				"server_addr", c.serverAddr,
				"error", err,
			)
			return &CheckResponse{
				Verdict: VerdictAllow,
				Message: "server unreachable, fail-open",
			}, nil
		}
		return nil, err
	}

	switch resp.Verdict {
	case VerdictAllow:
		c.putInCache(cacheKey, &resp)
		return &resp, nil

	case VerdictBlock:
		return nil, &BlockedError{
			RuleID:    resp.RuleID,
			Message:   resp.Message,
			RequestID: resp.RequestID,
		}

	case VerdictApprove:
		if c.waitApproval && resp.ApprovalID != "" {
			return c.pollApproval(ctx, resp.ApprovalID)
		}
		return &resp, nil

	default:
		return &resp, nil
	}
}

// Allowed evaluates a call and reduces the outcome to a boolean. Policy
// blocks return (false, nil); transport failures return an error.
func (c *Client) Allowed(ctx context.Context, req CheckRequest) (bool, error) {
	resp, err := c.Check(ctx, req)
	if err != nil {
		var blocked *BlockedError
		if errors.As(err, &blocked) {
			return false, nil
		}
		return false, err
	}
	return resp.Verdict == VerdictAllow || resp.Verdict == VerdictRedact, nil
}

// PostCheck reports a tool's output so PII in it taints the session.
func (c *Client) PostCheck(ctx context.Context, req PostCheckRequest) (*PostCheckResponse, error) {
	if req.SessionID == "" {
		req.SessionID = c.sessionID
	}
	var resp PostCheckResponse
	if err := c.doRequest(ctx, http.MethodPost, "/api/v1/post-check", req, &resp); err != nil {
		if isConnectionError(err) && c.failMode == "open" {
			c.logger.Warn("policyshield server unreachable, skipping post-check",
				"error", err)
			return &PostCheckResponse{Verdict: VerdictAllow}, nil
		}
		return nil, err
	}
	return &resp, nil
}

// CheckApproval fetches the state of one approval request.
func (c *Client) CheckApproval(ctx context.Context, approvalID string) (*ApprovalInfo, error) {
	body := map[string]string{"approval_id": approvalID}
	var info ApprovalInfo
	if err := c.doRequest(ctx, http.MethodPost, "/api/v1/check-approval", body, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// RespondApproval resolves a pending approval request.
func (c *Client) RespondApproval(ctx context.Context, approvalID string, approved bool, responder, comment string) error {
	body := map[string]any{
		"approval_id": approvalID,
		"approved":    approved,
		"responder":   responder,
		"comment":     comment,
	}
	return c.doRequest(ctx, http.MethodPost, "/api/v1/respond-approval", body, nil)
}

// pollApproval polls the approval endpoint until the request resolves
// or the poll budget runs out.
func (c *Client) pollApproval(ctx context.Context, approvalID string) (*CheckResponse, error) {
	for i := 0; i < c.maxPolls; i++ {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(c.pollInterval):
		}

		info, err := c.CheckApproval(ctx, approvalID)
		if err != nil {
			c.logger.Warn("approval poll failed",
				"approval_id", approvalID,
				"error", err,
			)
			continue
		}

		switch info.Status {
		case ApprovalApproved:
			return &CheckResponse{
				Verdict:    VerdictAllow,
				ApprovalID: approvalID,
				Message:    fmt.Sprintf("approved by %s", info.Responder),
			}, nil
		case ApprovalDenied:
			return nil, &BlockedError{
				Message: fmt.Sprintf("denied by %s", info.Responder),
			}
		case ApprovalExpired:
			return nil, &ApprovalTimeoutError{ApprovalID: approvalID}
		}
		// Still pending.
	}
	return nil, &ApprovalTimeoutError{ApprovalID: approvalID}
}

// doRequest performs one HTTP request against the server.
func (c *Client) doRequest(ctx context.Context, method, path string, body any, result any) error {
	url := strings.TrimRight(c.serverAddr, "/") + path

	var bodyReader io.Reader
	if body != nil {
		jsonBody, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request body: %w", err)
		}
		bodyReader = bytes.NewReader(jsonBody)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, url, bodyReader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	if c.apiToken != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiToken)
	}

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return err
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return fmt.Errorf("read response body: %w", err)
	}

	if httpResp.StatusCode < 200 || httpResp.StatusCode >= 300 {
		return &APIError{
			StatusCode: httpResp.StatusCode,
			Body:       strings.TrimSpace(string(respBody)),
		}
	}

	if result != nil {
		if err := json.Unmarshal(respBody, result); err != nil {
			return fmt.Errorf("unmarshal response: %w", err)
		}
	}
	return nil
}

// buildCacheKey keys on tool, session, and an args hash.
func (c *Client) buildCacheKey(req CheckRequest) string {
	h := sha256.New()
	if req.Args != nil {
		argBytes, _ := json.Marshal(req.Args)
		h.Write(argBytes)
	}
	argsHash := hex.EncodeToString(h.Sum(nil))[:16]
	return fmt.Sprintf("%s:%s:%s", req.ToolName, req.SessionID, argsHash)
}

// getFromCache retrieves an unexpired cached response.
func (c *Client) getFromCache(key string) (*CheckResponse, bool) {
	val, ok := c.cache.Load(key)
	if !ok {
		return nil, false
	}
	entry := val.(*cacheEntry)
	if time.Now().After(entry.expiresAt) {
		c.cache.Delete(key)
		c.cacheMu.Lock()
		c.cacheCount--
		c.cacheMu.Unlock()
		return nil, false
	}
	return entry.response, true
}

// putInCache stores a response, evicting expired then oldest entries
// when over the size cap.
func (c *Client) putInCache(key string, resp *CheckResponse) {
	if c.cacheTTL <= 0 {
		return
	}

	c.cacheMu.Lock()
	defer c.cacheMu.Unlock()

	if c.cacheCount >= int64(c.cacheMaxSize) {
		now := time.Now()
		evicted := 0
		c.cache.Range(func(k, v any) bool {
			entry := v.(*cacheEntry)
			if now.After(entry.expiresAt) {
				c.cache.Delete(k)
				evicted++
			}
			return evicted < 100
		})
		c.cacheCount -= int64(evicted)

		if c.cacheCount >= int64(c.cacheMaxSize) {
			var oldest time.Time
			var oldestKey any
			c.cache.Range(func(k, v any) bool {
				entry := v.(*cacheEntry)
				if oldest.IsZero() || entry.createdAt.Before(oldest) {
					oldest = entry.createdAt
					oldestKey = k
				}
				return true
			})
			if oldestKey != nil {
				c.cache.Delete(oldestKey)
				c.cacheCount--
			}
		}
	}

	c.cache.Store(key, &cacheEntry{
		response:  resp,
		expiresAt: time.Now().Add(c.cacheTTL),
		createdAt: time.Now(),
	})
	c.cacheCount++
}

// isConnectionError reports whether an error is transport-level. HTTP
// status errors are not; everything else from http.Client.Do is (DNS,
// connection refused, TLS, timeouts).
func isConnectionError(err error) bool {
	if err == nil {
		return false
	}
	var apiErr *APIError
	return !errors.As(err, &apiErr)
}

// Helper functions for env var parsing.

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func parseDurationEnv(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	return defaultVal
}

func parseIntEnv(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	if n, err := strconv.Atoi(v); err == nil {
		return n
	}
	return defaultVal
}
