// Package stream orders committed events and delivers them to subscribers.
package stream

import (
	"sync"
	"time"

	"mediaart.org/internal/ids"
	"mediaart.org/internal/protocol"
)

// Log is an append-only, in-memory event log. Sequences start at 1 and are
// strictly increasing.
type Log struct {
	mu     sync.RWMutex
	events []protocol.Event
	now    func() time.Time
	notify []func()
}

// NewLog returns an empty log. Each hook runs after every append; hooks must
// not block.
func NewLog(hooks ...func()) *Log {
	return &Log{now: time.Now, notify: hooks}
}

// Record assigns the next sequence, an id and a timestamp when missing, and
// appends the event.
func (l *Log) Record(e protocol.Event) protocol.Event {
	l.mu.Lock()
	if e.CreatedAt.IsZero() {
		e.CreatedAt = l.now().UTC()
	}
	if e.ID == "" {
		e.ID = ids.At(e.CreatedAt)
	}
	e.Sequence = uint64(len(l.events)) + 1
	l.events = append(l.events, e)
	hooks := l.notify
	l.mu.Unlock()

	for _, fn := range hooks {
		fn()
	}
	return e
}

// Since returns up to limit events with Sequence > after.
func (l *Log) Since(after uint64, limit int) []protocol.Event {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	if after >= uint64(len(l.events)) {
		return nil
	}
	// Sequence n lives at index n-1.
	rest := l.events[after:]
	if len(rest) > limit {
		rest = rest[:limit]
	}
	return append([]protocol.Event(nil), rest...)
}

// Last returns the highest assigned sequence, or 0 when empty.
func (l *Log) Last() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return uint64(len(l.events))
}
