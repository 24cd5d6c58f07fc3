package gpio

import (
	"fmt"
	"sync"
	"time"
)

// FakeDevice is a test double with scripted levels and manual edge delivery.
// It is safe for concurrent use.
type FakeDevice struct {
	mu sync.Mutex

	levels     map[int]int
	configured map[int]Bias
	watchers   map[int]EdgeFunc

	// ConfigureError, if set, is returned by Configure.
	ConfigureError error

	// WatchError, if set, is returned by Watch.
	WatchError error

	// ReadError, if set, is returned by Read.
	ReadError error

	// NoEdges makes Watch fail with ErrNoEdgeDetection.
	NoEdges bool

	// WatchCalls and UnwatchCalls count subscriptions for assertions.
	WatchCalls   int
	UnwatchCalls int

	// Closed tracks if Close was called.
	Closed bool
}

// NewFakeDevice creates a FakeDevice with every line at level 0.
func NewFakeDevice() *FakeDevice {
	return &FakeDevice{
		levels:     make(map[int]int),
		configured: make(map[int]Bias),
		watchers:   make(map[int]EdgeFunc),
	}
}

// Configure records the pin as configured.
func (f *FakeDevice) Configure(pin int, bias Bias) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ConfigureError != nil {
		return f.ConfigureError
	}
	f.configured[pin] = bias
	return nil
}

// Read returns the scripted level of pin.
func (f *FakeDevice) Read(pin int) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ReadError != nil {
		return 0, f.ReadError
	}
	if _, ok := f.configured[pin]; !ok {
		return 0, fmt.Errorf("%w: pin %d not configured", ErrUnavailable, pin)
	}
	return f.levels[pin], nil
}

// Watch stores fn as the edge handler for pin.
func (f *FakeDevice) Watch(pin int, debounce time.Duration, fn EdgeFunc) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.WatchCalls++
	if f.WatchError != nil {
		return f.WatchError
	}
	if _, ok := f.configured[pin]; !ok {
		return fmt.Errorf("%w: pin %d not configured", ErrUnavailable, pin)
	}
	if f.NoEdges {
		return fmt.Errorf("%w: pin %d", ErrNoEdgeDetection, pin)
	}
	if _, ok := f.watchers[pin]; ok {
		return fmt.Errorf("%w: pin %d already watched", ErrUnavailable, pin)
	}
	f.watchers[pin] = fn
	return nil
}

// Unwatch removes the edge handler for pin.
func (f *FakeDevice) Unwatch(pin int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.watchers[pin]; ok {
		f.UnwatchCalls++
		delete(f.watchers, pin)
	}
	return nil
}

// Close marks the device as closed and drops all watchers.
func (f *FakeDevice) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Closed = true
	f.watchers = make(map[int]EdgeFunc)
	return nil
}

// SetLevel changes the level of pin without delivering an edge.
func (f *FakeDevice) SetLevel(pin, level int) {
	f.mu.Lock()
	f.levels[pin] = level
	f.mu.Unlock()
}

// Trigger sets the level of pin and delivers an edge synchronously.
// Returns false if no handler is watching pin.
func (f *FakeDevice) Trigger(pin, level int, at time.Time) bool {
	f.SetLevel(pin, level)
	return f.Emit(pin, level, at)
}

// Emit delivers an edge without changing the stored level, simulating
// bounce or a redelivered interrupt.
func (f *FakeDevice) Emit(pin, level int, at time.Time) bool {
	f.mu.Lock()
	fn, ok := f.watchers[pin]
	f.mu.Unlock()
	if !ok {
		return false
	}
	fn(level, at)
	return true
}

// Handler returns the edge handler currently registered for pin, or nil.
func (f *FakeDevice) Handler(pin int) EdgeFunc {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.watchers[pin]
}

// Watching reports whether pin has an edge handler.
func (f *FakeDevice) Watching(pin int) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.watchers[pin]
	return ok
}
