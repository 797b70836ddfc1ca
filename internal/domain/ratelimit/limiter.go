package ratelimit

import (
	"fmt"
	"sync"
	"time"
)

const defaultCleanupInterval = time.Minute

// Limiter holds sliding windows of call timestamps. Safe for concurrent
// use; Stop terminates the background cleanup goroutine.
type Limiter struct {
	limits   []Config
	adaptive AdaptiveConfig
	now      func() time.Time

	mu       sync.Mutex
	windows  map[string][]time.Time
	burst    map[string][]time.Time // session -> recent call times
	cooldown map[string]time.Time   // session -> cooldown expiry

	cleanupInterval time.Duration
	stopCh          chan struct{}
	stopOnce        sync.Once
	wg              sync.WaitGroup
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithClock injects a time source for deterministic tests.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

// WithAdaptive enables the per-session burst brake.
func WithAdaptive(cfg AdaptiveConfig) Option {
	return func(l *Limiter) { l.adaptive = cfg }
}

// WithCleanupInterval overrides the sweep cadence.
func WithCleanupInterval(d time.Duration) Option {
	return func(l *Limiter) { l.cleanupInterval = d }
}

// New creates a Limiter and starts its cleanup goroutine.
func New(limits []Config, opts ...Option) *Limiter {
	l := &Limiter{
		limits:          limits,
		now:             time.Now,
		windows:         make(map[string][]time.Time),
		burst:           make(map[string][]time.Time),
		cooldown:        make(map[string]time.Time),
		cleanupInterval: defaultCleanupInterval,
		stopCh:          make(chan struct{}),
	}
	for _, opt := range opts {
		opt(l)
	}

	l.wg.Add(1)
	go l.cleanupLoop()
	return l
}

// Stop terminates the cleanup goroutine. Idempotent.
func (l *Limiter) Stop() {
	l.stopOnce.Do(func() { close(l.stopCh) })
	l.wg.Wait()
}

// Check evaluates every limit applying to tool against the current
// windows. It does not consume budget; call Record for that.
func (l *Limiter) Check(tool, sessionID string) Result {
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	for i := range l.limits {
		lim := &l.limits[i]
		if lim.Tool != tool && lim.Tool != WildcardTool {
			continue
		}

		key := windowKey(lim, sessionID)
		window := pruneWindow(l.windows[key], now, time.Duration(lim.WindowSeconds)*time.Second)
		l.windows[key] = window

		max := l.effectiveMax(lim.MaxCalls, sessionID, now)
		if len(window) >= max {
			return Result{Allowed: false, Message: denialMessage(lim)}
		}
	}
	return Result{Allowed: true}
}

// Record counts one call against every limit applying to tool, and feeds
// the adaptive burst tracker. The engine calls this only for verdicts
// that consume budget.
func (l *Limiter) Record(tool, sessionID string) {
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	for i := range l.limits {
		lim := &l.limits[i]
		if lim.Tool != tool && lim.Tool != WildcardTool {
			continue
		}
		key := windowKey(lim, sessionID)
		l.windows[key] = append(l.windows[key], now)
	}

	if l.adaptive.Enabled && sessionID != "" {
		l.recordBurst(sessionID, now)
	}
}

// InCooldown reports whether the session's burst brake is active.
func (l *Limiter) InCooldown(sessionID string) bool {
	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()
	expiry, ok := l.cooldown[sessionID]
	return ok && now.Before(expiry)
}

// effectiveMax halves the limit while the session is in cooldown.
// Caller holds the lock.
func (l *Limiter) effectiveMax(max int, sessionID string, now time.Time) int {
	if !l.adaptive.Enabled || sessionID == "" {
		return max
	}
	expiry, ok := l.cooldown[sessionID]
	if !ok || now.After(expiry) {
		return max
	}
	half := max / 2
	if half < 1 {
		half = 1
	}
	return half
}

// recordBurst tracks per-session call rate and trips the cooldown when
// the burst threshold is exceeded. Caller holds the lock.
func (l *Limiter) recordBurst(sessionID string, now time.Time) {
	window := time.Duration(l.adaptive.BurstWindowSeconds) * time.Second
	recent := append(pruneWindow(l.burst[sessionID], now, window), now)
	l.burst[sessionID] = recent

	if len(recent) > l.adaptive.BurstThreshold {
		l.cooldown[sessionID] = now.Add(time.Duration(l.adaptive.CooldownSeconds) * time.Second)
	}
}

// cleanupLoop drops empty windows and expired cooldowns.
func (l *Limiter) cleanupLoop() {
	defer l.wg.Done()

	ticker := time.NewTicker(l.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-l.stopCh:
			return
		case <-ticker.C:
			l.cleanup()
		}
	}
}

func (l *Limiter) cleanup() {
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	maxWindow := time.Duration(0)
	for _, lim := range l.limits {
		if w := time.Duration(lim.WindowSeconds) * time.Second; w > maxWindow {
			maxWindow = w
		}
	}

	for key, window := range l.windows {
		pruned := pruneWindow(window, now, maxWindow)
		if len(pruned) == 0 {
			delete(l.windows, key)
			continue
		}
		l.windows[key] = pruned
	}

	burstWindow := time.Duration(l.adaptive.BurstWindowSeconds) * time.Second
	for session, calls := range l.burst {
		pruned := pruneWindow(calls, now, burstWindow)
		if len(pruned) == 0 {
			delete(l.burst, session)
			continue
		}
		l.burst[session] = pruned
	}

	for session, expiry := range l.cooldown {
		if now.After(expiry) {
			delete(l.cooldown, session)
		}
	}
}

// windowKey builds the map key for one limit's window. The key uses the
// limit's own tool pattern so a wildcard limit shares one window across
// all tools it covers.
func windowKey(lim *Config, sessionID string) string {
	scope := GlobalScope
	if lim.PerSession && sessionID != "" {
		scope = sessionID
	}
	return lim.Tool + "\x00" + scope
}

// pruneWindow drops timestamps older than the window.
func pruneWindow(window []time.Time, now time.Time, span time.Duration) []time.Time {
	cutoff := now.Add(-span)
	i := 0
	for i < len(window) && !window[i].After(cutoff) {
		i++
	}
	if i == 0 {
		return window
	}
	return append([]time.Time(nil), window[i:]...)
}

// denialMessage formats the rejection for one tripped limit.
func denialMessage(lim *Config) string {
	if lim.Message != "" {
		return lim.Message
	}
	return fmt.Sprintf("Rate limit exceeded for tool %q: max %d calls per %ds",
		lim.Tool, lim.MaxCalls, lim.WindowSeconds)
}
