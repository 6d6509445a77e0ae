package session

import "time"

// DefaultHistorySize is the number of commands a session remembers.
const DefaultHistorySize = 100

// HistoryEntry is one executed command.
type HistoryEntry struct {
	Command     string            `json:"command"`
	Timestamp   time.Time         `json:"timestamp"`
	Result      CommandResult     `json:"result"`
	Environment map[string]string `json:"environment,omitempty"`
}

// history is a fixed-size FIFO ring.
type history struct {
	entries []HistoryEntry
	next    int
	full    bool
}

func newHistory(size int) *history {
	if size <= 0 {
		size = DefaultHistorySize
	}
	return &history{entries: make([]HistoryEntry, size)}
}

func (h *history) add(e HistoryEntry) {
	h.entries[h.next] = e
	h.next = (h.next + 1) % len(h.entries)
	if h.next == 0 {
		h.full = true
	}
}

// list returns the entries oldest first.
func (h *history) list() []HistoryEntry {
	if !h.full {
		return append([]HistoryEntry(nil), h.entries[:h.next]...)
	}
	out := make([]HistoryEntry, 0, len(h.entries))
	out = append(out, h.entries[h.next:]...)
	return append(out, h.entries[:h.next]...)
}

func (h *history) len() int {
	if h.full {
		return len(h.entries)
	}
	return h.next
}
