package router

import (
	"sync"

	"bouncelink/internal/wire"
)

// DefaultHistorySize bounds the debug event history.
const DefaultHistorySize = 50

// History keeps the most recent events, newest first. It is for
// inspection only and carries no uniqueness guarantee.
type History struct {
	mu    sync.Mutex
	size  int
	items []wire.Event
}

func NewHistory(size int) *History {
	if size <= 0 {
		size = DefaultHistorySize
	}
	return &History{size: size}
}

// Record prepends ev, dropping the oldest entry beyond the bound.
func (h *History) Record(ev wire.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.items) < h.size {
		h.items = append(h.items, wire.Event{})
	}
	copy(h.items[1:], h.items[:len(h.items)-1])
	h.items[0] = ev
}

// Handler adapts Record for registration on the wildcard type.
func (h *History) Handler() Handler {
	return func(ev wire.Event) error {
		h.Record(ev)
		return nil
	}
}

// Snapshot returns a newest-first copy.
func (h *History) Snapshot() []wire.Event {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]wire.Event(nil), h.items...)
}

func (h *History) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.items)
}
