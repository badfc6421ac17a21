package events

import (
	"strings"
	"sync"
)

// DefaultQueryLimit applies when Query is called with a non-positive limit.
const DefaultQueryLimit = 50

// History is a fixed-capacity FIFO of events, safe for concurrent use.
type History struct {
	mu    sync.RWMutex
	buf   []RiskEvent
	start int
	size  int
}

// NewHistory allocates a history holding at most capacity events.
func NewHistory(capacity int) *History {
	if capacity <= 0 {
		capacity = 1
	}
	return &History{buf: make([]RiskEvent, capacity)}
}

// Append adds ev, evicting the oldest entry once the history is full.
func (h *History) Append(ev RiskEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.size < len(h.buf) {
		h.buf[(h.start+h.size)%len(h.buf)] = ev
		h.size++
		return
	}
	h.buf[h.start] = ev
	h.start = (h.start + 1) % len(h.buf)
}

// Len returns the number of retained events.
func (h *History) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.size
}

// Cap returns the configured capacity.
func (h *History) Cap() int {
	return len(h.buf)
}

// Query returns up to limit of the newest events in insertion order, optionally
// restricted to one agent. An empty agentID matches all events.
func (h *History) Query(agentID string, limit int) []RiskEvent {
	if limit <= 0 {
		limit = DefaultQueryLimit
	}
	agentID = strings.TrimSpace(agentID)

	h.mu.RLock()
	defer h.mu.RUnlock()

	// walk backwards from the newest so only the tail is visited
	picked := make([]RiskEvent, 0, min(limit, h.size))
	for i := h.size - 1; i >= 0 && len(picked) < limit; i-- {
		ev := h.buf[(h.start+i)%len(h.buf)]
		if agentID != "" && ev.AgentID != agentID {
			continue
		}
		picked = append(picked, ev)
	}

	for i, j := 0, len(picked)-1; i < j; i, j = i+1, j-1 {
		picked[i], picked[j] = picked[j], picked[i]
	}
	return picked
}
