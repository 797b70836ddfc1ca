package approval

import (
	"sync"
	"time"

	"github.com/policyshield/policyshield/internal/domain/rule"
)

// GlobalCacheScope replaces the session ID in per-rule cache keys.
const GlobalCacheScope = "__global__"

// Decision is a cached approval outcome.
type Decision struct {
	Approved  bool
	Responder string
	At        time.Time
}

// Cache remembers approval decisions keyed by strategy scope, so repeat
// calls under per_session, per_rule, or per_tool strategies resolve
// without a round trip. Safe for concurrent use.
type Cache struct {
	mu      sync.RWMutex
	entries map[string]Decision
	ttl     time.Duration // 0 disables expiry
	now     func() time.Time
}

// CacheOption configures a Cache.
type CacheOption func(*Cache)

// WithCacheTTL expires cached decisions after d.
func WithCacheTTL(d time.Duration) CacheOption {
	return func(c *Cache) { c.ttl = d }
}

// WithCacheClock injects a time source for deterministic tests.
func WithCacheClock(now func() time.Time) CacheOption {
	return func(c *Cache) { c.now = now }
}

// NewCache creates an empty decision cache.
func NewCache(opts ...CacheOption) *Cache {
	c := &Cache{
		entries: make(map[string]Decision),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// CacheKey derives the cache key for one strategy. The second return is
// false for the "once" strategy, which never caches.
func CacheKey(strategy rule.ApprovalStrategy, sessionID, ruleID, tool string) (string, bool) {
	switch strategy {
	case rule.StrategyPerSession:
		return sessionID + ":" + ruleID, true
	case rule.StrategyPerRule:
		return GlobalCacheScope + ":" + ruleID, true
	case rule.StrategyPerTool:
		return sessionID + ":" + tool, true
	default:
		return "", false
	}
}

// Get returns the cached decision for key, honoring the TTL.
func (c *Cache) Get(key string) (Decision, bool) {
	c.mu.RLock()
	d, ok := c.entries[key]
	c.mu.RUnlock()
	if !ok {
		return Decision{}, false
	}
	if c.ttl > 0 && c.now().Sub(d.At) > c.ttl {
		c.mu.Lock()
		delete(c.entries, key)
		c.mu.Unlock()
		return Decision{}, false
	}
	return d, true
}

// Put stores a decision under key.
func (c *Cache) Put(key string, d Decision) {
	if d.At.IsZero() {
		d.At = c.now()
	}
	c.mu.Lock()
	c.entries[key] = d
	c.mu.Unlock()
}

// Reset drops every cached decision. Called on rule reload.
func (c *Cache) Reset() {
	c.mu.Lock()
	c.entries = make(map[string]Decision)
	c.mu.Unlock()
}

// Len returns the number of cached decisions.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
