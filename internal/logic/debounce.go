package logic

import "time"

// ShouldProcess reports whether an edge at now is outside the debounce
// window that started at last. A window of 0 accepts every edge.
func ShouldProcess(now, last time.Time, window time.Duration) bool {
	if window <= 0 {
		return true
	}
	return now.Sub(last) >= window
}

// Gate suppresses re-triggers within a window after an accepted edge.
// Not safe for concurrent use; the caller must synchronize.
type Gate struct {
	window time.Duration
	last   time.Time
}

// NewGate creates a gate with the given window.
func NewGate(window time.Duration) *Gate {
	return &Gate{window: window}
}

// Allow reports whether an edge at now should be processed and, if so,
// starts a new window at now.
func (g *Gate) Allow(now time.Time) bool {
	if !ShouldProcess(now, g.last, g.window) {
		return false
	}
	g.last = now
	return true
}

// SetWindow changes the window without resetting the last accepted edge.
func (g *Gate) SetWindow(window time.Duration) {
	g.window = window
}

// Window returns the configured window.
func (g *Gate) Window() time.Duration {
	return g.window
}

// Reset forgets the last accepted edge.
func (g *Gate) Reset() {
	g.last = time.Time{}
}
