package relay

import (
	"sync"
	"unicode/utf8"
)

// history keeps the most recent output bytes so that a terminal opened
// mid-session can catch up. When full, the oldest bytes are discarded.
type history struct {
	mu       sync.Mutex
	data     []byte
	capacity int
}

func newHistory(capacity int) *history {
	if capacity <= 0 {
		capacity = 1
	}
	return &history{data: make([]byte, 0, capacity), capacity: capacity}
}

func (h *history) Write(p []byte) {
	if len(p) == 0 {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	if len(p) >= h.capacity {
		h.data = append(h.data[:0], p[len(p)-h.capacity:]...)
		return
	}
	if over := len(h.data) + len(p) - h.capacity; over > 0 {
		h.data = append(h.data[:0], h.data[over:]...)
	}
	h.data = append(h.data, p...)
}

// String returns the buffered text. A rune cut in half by trimming is
// skipped.
func (h *history) String() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	b := h.data
	for len(b) > 0 && !utf8.RuneStart(b[0]) {
		b = b[1:]
	}
	return string(b)
}

func (h *history) Reset() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.data = h.data[:0]
}
