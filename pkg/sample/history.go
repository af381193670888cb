// SPDX-License-Identifier: GPL-2.0-or-later

package sample

// History fixed capacity ring of sample infos.
// Pushing to a full history overwrites the oldest item.
type History struct {
	items []Info
	head  int // Index of the oldest item.
	tail  int // Index of the next write.
	full  bool
}

// NewHistory returns a history that holds up to capacity items.
func NewHistory(capacity int) *History {
	if capacity < 1 {
		capacity = 1
	}
	return &History{items: make([]Info, capacity)}
}

// Push adds info, overwriting the oldest item if full.
func (h *History) Push(info Info) {
	h.items[h.tail] = info
	h.tail = (h.tail + 1) % len(h.items)
	if h.full {
		h.head = h.tail
		return
	}
	if h.tail == h.head {
		h.full = true
	}
}

// Len number of items.
func (h *History) Len() int {
	switch {
	case h.full:
		return len(h.items)
	case h.tail >= h.head:
		return h.tail - h.head
	default:
		return len(h.items) - h.head + h.tail
	}
}

// Cap capacity.
func (h *History) Cap() int {
	return len(h.items)
}

// Items returns the items from oldest to newest.
func (h *History) Items() []Info {
	n := h.Len()
	out := make([]Info, n)
	for i := 0; i < n; i++ {
		out[i] = h.items[(h.head+i)%len(h.items)]
	}
	return out
}

// Reset removes all items.
func (h *History) Reset() {
	h.head, h.tail, h.full = 0, 0, false
}
