package delivery

import "sync"

// History keeps the attempt log of the most recent payloads. Once more than
// limit payloads are tracked, the payload first seen earliest is forgotten.
type History struct {
	limit   int
	order   []string
	entries map[string][]Attempt
	mu      sync.RWMutex
}

// NewHistory creates a history bounded to limit payloads
func NewHistory(limit int) *History {
	if limit < 1 {
		limit = 1
	}
	return &History{
		limit:   limit,
		entries: make(map[string][]Attempt),
	}
}

// Add appends an attempt to the payload's log
func (h *History) Add(payloadID string, a Attempt) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.entries[payloadID]; !ok {
		h.order = append(h.order, payloadID)
		if len(h.order) > h.limit {
			delete(h.entries, h.order[0])
			h.order = h.order[1:]
		}
	}
	h.entries[payloadID] = append(h.entries[payloadID], a)
}

// Get returns a copy of the payload's attempts, oldest first
func (h *History) Get(payloadID string) []Attempt {
	h.mu.RLock()
	defer h.mu.RUnlock()

	attempts := h.entries[payloadID]
	out := make([]Attempt, len(attempts))
	copy(out, attempts)
	return out
}

// Len returns the number of payloads tracked
func (h *History) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.entries)
}
