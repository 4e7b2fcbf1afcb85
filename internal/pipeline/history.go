package pipeline

import (
	"math"
	"sync"
	"time"

	"nexara/internal/detection"
)

const trendTolerance = 0.05

type historyEntry struct {
	at     time.Time
	result detection.Result
}

// History is a time-bounded buffer of results in arrival order. Entries
// older than the window are purged before every read; Add is the only
// mutator and entries are never changed in place.
type History struct {
	window time.Duration
	now    Clock

	mu      sync.Mutex
	entries []historyEntry
}

// NewHistory creates a history with the given window. A nil clock uses time.Now.
func NewHistory(window time.Duration, now Clock) *History {
	if now == nil {
		now = time.Now
	}
	return &History{window: window, now: now}
}

// Window returns the configured duration
func (h *History) Window() time.Duration {
	return h.window
}

// Add stamps r with the current clock (arrival time, not capture time)
func (h *History) Add(r detection.Result) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.entries = append(h.entries, historyEntry{at: h.now(), result: r})
	h.purgeLocked()
}

// Recent returns the results still inside the window, oldest first
func (h *History) Recent() []detection.Result {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.purgeLocked()

	out := make([]detection.Result, len(h.entries))
	for i, e := range h.entries {
		out[i] = e.result
	}
	return out
}

// Len is the number of entries inside the window
func (h *History) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.purgeLocked()
	return len(h.entries)
}

// Average is the mean violence probability inside the window, 0 when empty
func (h *History) Average() float64 {
	return mean(h.Recent())
}

// CountAbove counts windowed results with probability >= threshold
func (h *History) CountAbove(threshold float64) int {
	n := 0
	for _, r := range h.Recent() {
		if r.ViolenceProbability >= threshold {
			n++
		}
	}
	return n
}

// Trend splits the windowed results at the middle index and compares the
// halves. Fewer than three results are always stable.
func (h *History) Trend() Trend {
	return trendOf(h.Recent())
}

// Clear drops every entry
func (h *History) Clear() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.entries = nil
}

func (h *History) purgeLocked() {
	now := h.now()
	keep := 0
	for keep < len(h.entries) && now.Sub(h.entries[keep].at) > h.window {
		keep++
	}
	if keep > 0 {
		h.entries = append([]historyEntry(nil), h.entries[keep:]...)
	}
}

func trendOf(results []detection.Result) Trend {
	if len(results) < 3 {
		return TrendStable
	}
	mid := len(results) / 2
	diff := mean(results[mid:]) - mean(results[:mid])
	if math.Abs(diff) < trendTolerance {
		return TrendStable
	}
	if diff > 0 {
		return TrendIncreasing
	}
	return TrendDecreasing
}

func mean(results []detection.Result) float64 {
	if len(results) == 0 {
		return 0
	}
	var sum float64
	for _, r := range results {
		sum += r.ViolenceProbability
	}
	return sum / float64(len(results))
}
