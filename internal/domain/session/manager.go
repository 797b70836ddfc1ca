package session

import (
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/policyshield/policyshield/internal/domain/pii"
	"github.com/policyshield/policyshield/internal/domain/rule"
)

const (
	// DefaultTTL evicts sessions idle longer than this.
	DefaultTTL = time.Hour

	defaultSweepInterval = time.Minute
	shardCount           = 32
)

// state is the mutable per-session record. Its own mutex guards every
// field; the shard lock only guards map membership.
type state struct {
	mu         sync.Mutex
	id         string
	createdAt  time.Time
	lastSeen   time.Time
	toolCounts map[string]int
	totalCalls int
	taints     map[pii.Type]struct{}
	taintWhy   string
	events     *EventBuffer
}

type shard struct {
	mu       sync.RWMutex
	sessions map[string]*state
}

// Manager owns all session state. Lookups are sharded by session ID
// hash; a background sweeper evicts idle sessions.
type Manager struct {
	shards     [shardCount]*shard
	ttl        time.Duration
	bufferSize int
	now        func() time.Time

	sweepInterval time.Duration
	stopCh        chan struct{}
	stopOnce      sync.Once
	wg            sync.WaitGroup
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithTTL sets the idle eviction TTL.
func WithTTL(ttl time.Duration) ManagerOption {
	return func(m *Manager) { m.ttl = ttl }
}

// WithEventBufferSize sets each session's event ring capacity.
func WithEventBufferSize(n int) ManagerOption {
	return func(m *Manager) { m.bufferSize = n }
}

// WithClock injects a time source for deterministic tests.
func WithClock(now func() time.Time) ManagerOption {
	return func(m *Manager) { m.now = now }
}

// WithSweepInterval overrides the eviction sweep cadence.
func WithSweepInterval(d time.Duration) ManagerOption {
	return func(m *Manager) { m.sweepInterval = d }
}

// NewManager creates a Manager and starts its eviction sweeper.
func NewManager(opts ...ManagerOption) *Manager {
	m := &Manager{
		ttl:           DefaultTTL,
		bufferSize:    DefaultEventBufferSize,
		now:           time.Now,
		sweepInterval: defaultSweepInterval,
		stopCh:        make(chan struct{}),
	}
	for i := range m.shards {
		m.shards[i] = &shard{sessions: make(map[string]*state)}
	}
	for _, opt := range opts {
		opt(m)
	}

	m.wg.Add(1)
	go m.sweepLoop()
	return m
}

// Stop terminates the eviction sweeper. Idempotent.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
	m.wg.Wait()
}

func (m *Manager) shardFor(id string) *shard {
	return m.shards[xxhash.Sum64String(id)%shardCount]
}

// getOrCreate returns the session, creating it on first sight.
func (m *Manager) getOrCreate(id string) *state {
	sh := m.shardFor(id)

	sh.mu.RLock()
	s, ok := sh.sessions[id]
	sh.mu.RUnlock()
	if ok {
		return s
	}

	sh.mu.Lock()
	defer sh.mu.Unlock()
	if s, ok := sh.sessions[id]; ok {
		return s
	}
	now := m.now()
	s = &state{
		id:         id,
		createdAt:  now,
		lastSeen:   now,
		toolCounts: make(map[string]int),
		taints:     make(map[pii.Type]struct{}),
		events:     NewEventBuffer(m.bufferSize),
	}
	sh.sessions[id] = s
	return s
}

// get returns the session without creating it.
func (m *Manager) get(id string) (*state, bool) {
	sh := m.shardFor(id)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	s, ok := sh.sessions[id]
	return s, ok
}

// Touch marks the session live, creating it on first sight.
func (m *Manager) Touch(id string) {
	s := m.getOrCreate(id)
	s.mu.Lock()
	s.lastSeen = m.now()
	s.mu.Unlock()
}

// Increment bumps the session's total and per-tool counters.
func (m *Manager) Increment(id, tool string) {
	s := m.getOrCreate(id)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastSeen = m.now()
	s.totalCalls++
	s.toolCounts[tool]++
}

// AddTaint records that PII of the given types flowed through the session.
func (m *Manager) AddTaint(id string, types []pii.Type, reason string) {
	if len(types) == 0 {
		return
	}
	s := m.getOrCreate(id)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastSeen = m.now()
	for _, t := range types {
		s.taints[t] = struct{}{}
	}
	if s.taintWhy == "" {
		s.taintWhy = reason
	}
}

// ClearTaints removes all taints. Returns false when the session is unknown.
func (m *Manager) ClearTaints(id string) bool {
	s, ok := m.get(id)
	if !ok {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.taints = make(map[pii.Type]struct{})
	s.taintWhy = ""
	return true
}

// RecordEvent appends a tool call event to the session's buffer.
func (m *Manager) RecordEvent(id, tool string, verdict rule.Verdict) {
	s := m.getOrCreate(id)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastSeen = m.now()
	s.events.Add(Event{Timestamp: m.now(), Tool: tool, Verdict: verdict})
}

// CountRecentEvents counts buffered events for tool newer than
// now-within, optionally filtered by verdict. Unknown sessions count 0.
func (m *Manager) CountRecentEvents(id, tool string, within time.Duration, verdict *rule.Verdict) int {
	s, ok := m.get(id)
	if !ok {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events.FindRecent(m.now(), tool, within, verdict))
}

// Snapshot returns a read-only copy of the session's state. The second
// return is false when the session is unknown; the zero Snapshot still
// carries the requested ID so counter lookups resolve to 0.
func (m *Manager) Snapshot(id string) (Snapshot, bool) {
	s, ok := m.get(id)
	if !ok {
		return Snapshot{ID: id}, false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	counts := make(map[string]int, len(s.toolCounts))
	for k, v := range s.toolCounts {
		counts[k] = v
	}
	var taints []pii.Type
	for t := range s.taints {
		taints = append(taints, t)
	}

	return Snapshot{
		ID:          s.id,
		CreatedAt:   s.createdAt,
		LastSeen:    s.lastSeen,
		ToolCounts:  counts,
		TotalCalls:  s.totalCalls,
		Taints:      taints,
		PIITainted:  len(taints) > 0,
		TaintReason: s.taintWhy,
	}, true
}

// Events copies the session's buffered events, oldest first.
func (m *Manager) Events(id string) []Event {
	s, ok := m.get(id)
	if !ok {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.events.snapshotEvents()
}

// Len returns the number of live sessions.
func (m *Manager) Len() int {
	n := 0
	for _, sh := range m.shards {
		sh.mu.RLock()
		n += len(sh.sessions)
		sh.mu.RUnlock()
	}
	return n
}

// sweepLoop evicts idle sessions on a timer.
func (m *Manager) sweepLoop() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.sweep()
		}
	}
}

// sweep removes sessions idle past the TTL.
func (m *Manager) sweep() {
	cutoff := m.now().Add(-m.ttl)

	for _, sh := range m.shards {
		sh.mu.Lock()
		for id, s := range sh.sessions {
			s.mu.Lock()
			idle := s.lastSeen.Before(cutoff)
			s.mu.Unlock()
			if idle {
				delete(sh.sessions, id)
			}
		}
		sh.mu.Unlock()
	}
}
