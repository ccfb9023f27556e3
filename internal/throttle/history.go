package throttle

import (
	"context"
	"sync"
	"time"
)

// Entry is one recorded outgoing action.
type Entry struct {
	At       time.Time
	Action   string
	Metadata map[string]string
}

// History stores recorded actions. Entries are appended in time order.
type History interface {
	Append(ctx context.Context, e Entry) error
	Since(ctx context.Context, t time.Time) ([]Entry, error)
	Recent(ctx context.Context, n int) ([]Entry, error)
}

// RingHistory is a bounded in-memory History.
type RingHistory struct {
	mu      sync.Mutex
	entries []Entry
	next    int
	full    bool
}

// NewRingHistory returns a history keeping the last capacity entries.
func NewRingHistory(capacity int) *RingHistory {
	if capacity <= 0 {
		capacity = 1024
	}
	return &RingHistory{entries: make([]Entry, capacity)}
}

// Append implements History.
func (h *RingHistory) Append(_ context.Context, e Entry) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.entries[h.next] = e
	h.next = (h.next + 1) % len(h.entries)
	if h.next == 0 {
		h.full = true
	}
	return nil
}

// Since implements History.
func (h *RingHistory) Since(_ context.Context, t time.Time) ([]Entry, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []Entry
	for _, e := range h.ordered() {
		if !e.At.Before(t) {
			out = append(out, e)
		}
	}
	return out, nil
}

// Recent implements History.
func (h *RingHistory) Recent(_ context.Context, n int) ([]Entry, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	all := h.ordered()
	if n < len(all) {
		all = all[len(all)-n:]
	}
	return all, nil
}

func (h *RingHistory) ordered() []Entry {
	if !h.full {
		out := make([]Entry, h.next)
		copy(out, h.entries[:h.next])
		return out
	}
	out := make([]Entry, 0, len(h.entries))
	out = append(out, h.entries[h.next:]...)
	return append(out, h.entries[:h.next]...)
}
