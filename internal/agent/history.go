package agent

import "github.com/MrWong99/decisions/pkg/types"

// DefaultHistorySize is the number of exchanges retained per conversation.
const DefaultHistorySize = 10

// History keeps the most recent exchanges of one conversation. It is owned
// by the Router and not safe for concurrent use.
type History struct {
	entries []types.Exchange
	maxSize int
}

// NewHistory creates a History retaining at most maxSize exchanges.
// maxSize of zero disables history.
func NewHistory(maxSize int) *History {
	maxSize = max(maxSize, 0)
	return &History{entries: make([]types.Exchange, 0, maxSize), maxSize: maxSize}
}

// Add appends ex and evicts the oldest exchanges beyond the size bound.
func (h *History) Add(ex types.Exchange) {
	if h.maxSize <= 0 {
		return
	}
	h.entries = append(h.entries, ex)
	if len(h.entries) > h.maxSize {
		// Copy to a fresh slice so evicted exchanges can be garbage collected.
		fresh := make([]types.Exchange, h.maxSize, h.maxSize)
		copy(fresh, h.entries[len(h.entries)-h.maxSize:])
		h.entries = fresh
	}
}

// Entries returns a copy of the retained exchanges, oldest first.
func (h *History) Entries() []types.Exchange {
	out := make([]types.Exchange, len(h.entries))
	copy(out, h.entries)
	return out
}

// Len returns the number of retained exchanges.
func (h *History) Len() int { return len(h.entries) }

// Reset drops every exchange.
func (h *History) Reset() {
	h.entries = make([]types.Exchange, 0, h.maxSize)
}
