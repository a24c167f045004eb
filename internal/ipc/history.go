package ipc

import (
	"sync"
	"time"

	"github.com/pptb-app/pptb/internal/eventbus"
)

const defaultHistorySize = 200

// HistoryEntry is one recorded bus envelope, trimmed for diagnostics.
type HistoryEntry struct {
	Channel   string    `json:"channel"`
	Source    string    `json:"source"`
	Timestamp time.Time `json:"timestamp"`
	Payload   any       `json:"payload,omitempty"`
}

// History keeps a bounded ring of recent bus events so the UI can show what
// the supervisor has been publishing.
type History struct {
	mu      sync.Mutex
	entries []HistoryEntry
	next    int
	full    bool
}

func NewHistory(size int) *History {
	if size <= 0 {
		size = defaultHistorySize
	}
	return &History{entries: make([]HistoryEntry, size)}
}

// Record appends one envelope, evicting the oldest when the ring is full.
func (h *History) Record(env eventbus.Envelope) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.entries[h.next] = HistoryEntry{
		Channel:   string(env.Topic),
		Source:    string(env.Source),
		Timestamp: env.Timestamp,
		Payload:   env.Payload,
	}
	h.next++
	if h.next == len(h.entries) {
		h.next = 0
		h.full = true
	}
}

// Recent returns up to limit entries, newest last. limit <= 0 returns all.
func (h *History) Recent(limit int) []HistoryEntry {
	h.mu.Lock()
	defer h.mu.Unlock()

	var ordered []HistoryEntry
	if h.full {
		ordered = append(ordered, h.entries[h.next:]...)
		ordered = append(ordered, h.entries[:h.next]...)
	} else {
		ordered = append(ordered, h.entries[:h.next]...)
	}
	if limit > 0 && len(ordered) > limit {
		ordered = ordered[len(ordered)-limit:]
	}
	return ordered
}
