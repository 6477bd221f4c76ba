// Package logring keeps a bounded, append-only list of user-facing log entries.
package logring

import (
	"sync"
	"time"

	"github.com/dkeye/voicelink/internal/domain"
)

// Ring holds at most capacity entries. When an append overflows it, the
// oldest entries are dropped until trimTo remain.
type Ring struct {
	mu       sync.Mutex
	entries  []domain.LogEntry
	capacity int
	trimTo   int
	seq      uint64
	now      func() time.Time
}

func New(capacity, trimTo int) *Ring {
	if capacity <= 0 {
		capacity = 100
	}
	if trimTo <= 0 || trimTo > capacity {
		trimTo = capacity
	}
	return &Ring{capacity: capacity, trimTo: trimTo, now: time.Now}
}

func (r *Ring) Append(kind domain.LogKind, msg string) domain.LogEntry {
	return r.Add(domain.LogEntry{Kind: kind, Message: msg})
}

// Add stores e, assigning the id and filling a zero timestamp.
func (r *Ring) Add(e domain.LogEntry) domain.LogEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seq++
	e.ID = r.seq
	if e.Timestamp.IsZero() {
		e.Timestamp = r.now()
	}
	r.entries = append(r.entries, e)
	if len(r.entries) > r.capacity {
		drop := len(r.entries) - r.trimTo
		r.entries = append(r.entries[:0:0], r.entries[drop:]...)
	}
	return e
}

// Entries returns a copy, oldest first.
func (r *Ring) Entries() []domain.LogEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.LogEntry, len(r.entries))
	copy(out, r.entries)
	return out
}

func (r *Ring) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

func (r *Ring) Clear() {
	r.mu.Lock()
	r.entries = nil
	r.mu.Unlock()
}
