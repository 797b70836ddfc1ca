package session

import (
	"time"

	"github.com/policyshield/policyshield/internal/domain/rule"
)

// DefaultEventBufferSize bounds each session's event log.
const DefaultEventBufferSize = 1024

// EventBuffer is a bounded, time-ordered ring of tool call events.
// Oldest events are overwritten when full. Not safe for concurrent use;
// the owning session's lock guards it.
type EventBuffer struct {
	buf  []Event
	head int // index of the oldest event
	size int
}

// NewEventBuffer creates a buffer holding at most capacity events.
func NewEventBuffer(capacity int) *EventBuffer {
	if capacity <= 0 {
		capacity = DefaultEventBufferSize
	}
	return &EventBuffer{buf: make([]Event, capacity)}
}

// Add appends an event, dropping the oldest when full.
func (b *EventBuffer) Add(e Event) {
	if b.size < len(b.buf) {
		b.buf[(b.head+b.size)%len(b.buf)] = e
		b.size++
		return
	}
	b.buf[b.head] = e
	b.head = (b.head + 1) % len(b.buf)
}

// Len returns the number of buffered events.
func (b *EventBuffer) Len() int {
	return b.size
}

// FindRecent returns events for tool newer than now-within, oldest first,
// optionally filtered by verdict.
func (b *EventBuffer) FindRecent(now time.Time, tool string, within time.Duration, verdict *rule.Verdict) []Event {
	cutoff := now.Add(-within)

	var out []Event
	for i := 0; i < b.size; i++ {
		e := b.buf[(b.head+i)%len(b.buf)]
		if e.Timestamp.Before(cutoff) {
			continue
		}
		if e.Tool != tool {
			continue
		}
		if verdict != nil && e.Verdict != *verdict {
			continue
		}
		out = append(out, e)
	}
	return out
}

// snapshotEvents copies the buffered events oldest first.
func (b *EventBuffer) snapshotEvents() []Event {
	out := make([]Event, b.size)
	for i := 0; i < b.size; i++ {
		out[i] = b.buf[(b.head+i)%len(b.buf)]
	}
	return out
}
