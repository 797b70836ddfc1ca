package policyshield

import (
	"log/slog"
	"net/http"
	"time"
)

// Option is a functional option for configuring a Client.
type Option func(*Client)

// WithServerAddr sets the PolicyShield server address.
// Defaults to POLICYSHIELD_SERVER_ADDR or http://127.0.0.1:8080.
func WithServerAddr(addr string) Option {
	return func(c *Client) { c.serverAddr = addr }
}

// WithAPIToken sets the bearer token for authenticated servers.
// Defaults to POLICYSHIELD_API_TOKEN.
func WithAPIToken(token string) Option {
	return func(c *Client) { c.apiToken = token }
}

// WithSessionID sets the default session for requests that don't carry
// one. Chain rules and taints only work within a session.
func WithSessionID(id string) Option {
	return func(c *Client) { c.sessionID = id }
}

// WithSender sets the default agent identity for sender clauses.
func WithSender(sender string) Option {
	return func(c *Client) { c.sender = sender }
}

// WithFailMode sets the behavior when the server is unreachable:
// "open" allows with a warning, "closed" returns ServerUnreachableError.
// Defaults to POLICYSHIELD_FAIL_MODE or "open".
func WithFailMode(mode string) Option {
	return func(c *Client) { c.failMode = mode }
}

// WithWaitForApproval makes Check poll APPROVE verdicts until they
// resolve instead of returning the pending response.
func WithWaitForApproval(interval time.Duration, maxPolls int) Option {
	return func(c *Client) {
		c.waitApproval = true
		if interval > 0 {
			c.pollInterval = interval
		}
		if maxPolls > 0 {
			c.maxPolls = maxPolls
		}
	}
}

// WithTimeout sets the HTTP request timeout. Defaults to 5 seconds.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.timeout = d }
}

// WithCacheTTL sets how long ALLOW verdicts are cached. Zero disables
// the cache.
func WithCacheTTL(d time.Duration) Option {
	return func(c *Client) { c.cacheTTL = d }
}

// WithCacheMaxSize caps the number of cached verdicts.
func WithCacheMaxSize(n int) Option {
	return func(c *Client) { c.cacheMaxSize = n }
}

// WithHTTPClient sets a custom http.Client, useful for testing or
// custom transports.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithLogger sets the client's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) { c.logger = logger }
}
