package sshproxy

import (
	"sync"
	"time"
)

// DefaultHistorySize is the number of calls a History keeps.
const DefaultHistorySize = 50

// CallRecord describes one remote command execution.
type CallRecord struct {
	Command   string        `json:"command"`
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`
	ExitCode  int           `json:"exit_code"`
	Error     string        `json:"error,omitempty"`
}

// History is a fixed-size ring buffer of recent calls, shared by every Proxy
// the unit builds so the status endpoint can show what ran last.
type History struct {
	mu      sync.Mutex
	records []CallRecord
	head    int // next write position
	count   int
}

func NewHistory(size int) *History {
	if size <= 0 {
		size = DefaultHistorySize
	}
	return &History{records: make([]CallRecord, size)}
}

// record is a no-op on a nil History.
func (h *History) record(r CallRecord) {
	if h == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.records[h.head] = r
	h.head = (h.head + 1) % len(h.records)
	if h.count < len(h.records) {
		h.count++
	}
}

// Recent returns the stored calls oldest first.
func (h *History) Recent() []CallRecord {
	if h == nil {
		return nil
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.count == 0 {
		return nil
	}

	out := make([]CallRecord, h.count)
	if h.count < len(h.records) {
		copy(out, h.records[:h.count])
	} else {
		// Full: head is the oldest entry.
		n := copy(out, h.records[h.head:])
		copy(out[n:], h.records[:h.head])
	}
	return out
}
