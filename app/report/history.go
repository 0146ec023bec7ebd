package report

import "sync"

const DefaultHistorySize = 50

// History keeps the most recent finished cycles in memory.
type History struct {
	mu     sync.RWMutex
	size   int
	cycles []*Cycle
}

func NewHistory(size int) *History {
	if size <= 0 {
		size = DefaultHistorySize
	}
	return &History{size: size}
}

func (h *History) Add(c *Cycle) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.cycles = append(h.cycles, c)
	if over := len(h.cycles) - h.size; over > 0 {
		h.cycles = append(h.cycles[:0:0], h.cycles[over:]...)
	}
}

// List returns cycles newest first.
func (h *History) List() []*Cycle {
	h.mu.RLock()
	defer h.mu.RUnlock()

	out := make([]*Cycle, len(h.cycles))
	for i, c := range h.cycles {
		out[len(h.cycles)-1-i] = c
	}
	return out
}

func (h *History) Latest() *Cycle {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if len(h.cycles) == 0 {
		return nil
	}
	return h.cycles[len(h.cycles)-1]
}

func (h *History) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.cycles)
}
