package mqtt

import (
	"sync"

	"github.com/sweeney/filament-sensor/internal/jobctl"
)

// Message is a filament event recorded by FakePublisher.
type Message struct {
	Event   string
	Payload map[string]any
	Data    []byte // formatted JSON
}

// FakePublisher records published events for test assertions.
// It is safe for concurrent use.
type FakePublisher struct {
	mu sync.Mutex

	messages       []Message
	systemEvents   []SystemEvent
	systemPayloads [][]byte
	jobEvents      jobctl.EventHandler

	// PublishError, if set, will be returned by Publish.
	PublishError error

	// PublishSystemError, if set, will be returned by PublishSystem.
	PublishSystemError error

	closed    bool
	connected bool
}

// NewFakePublisher creates a FakePublisher for testing.
func NewFakePublisher() *FakePublisher {
	return &FakePublisher{}
}

// Publish records the filament event.
func (f *FakePublisher) Publish(event string, payload map[string]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.PublishError != nil {
		return f.PublishError
	}
	data, err := FormatPayload(event, payload)
	if err != nil {
		return err
	}
	f.messages = append(f.messages, Message{Event: event, Payload: payload, Data: data})
	return nil
}

// PublishSystem records the system event.
func (f *FakePublisher) PublishSystem(event SystemEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.PublishSystemError != nil {
		return f.PublishSystemError
	}
	data, err := FormatSystemPayload(event)
	if err != nil {
		return err
	}
	f.systemEvents = append(f.systemEvents, event)
	f.systemPayloads = append(f.systemPayloads, data)
	return nil
}

// SubscribeJobEvents stores handler for Deliver.
func (f *FakePublisher) SubscribeJobEvents(handler jobctl.EventHandler) error {
	f.mu.Lock()
	f.jobEvents = handler
	f.mu.Unlock()
	return nil
}

// Deliver simulates a message on topic. It returns false if the topic is
// not a job event or nothing is subscribed.
func (f *FakePublisher) Deliver(topic string) bool {
	f.mu.Lock()
	handler := f.jobEvents
	f.mu.Unlock()

	ev, ok := ParseOctoPrintTopic(topic)
	if !ok || handler == nil {
		return false
	}
	handler(ev)
	return true
}

// Messages returns a copy of the recorded filament events.
func (f *FakePublisher) Messages() []Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Message(nil), f.messages...)
}

// Events returns the recorded event names in order.
func (f *FakePublisher) Events() []string {
	msgs := f.Messages()
	names := make([]string, len(msgs))
	for i, m := range msgs {
		names[i] = m.Event
	}
	return names
}

// SystemEvents returns a copy of the recorded system events.
func (f *FakePublisher) SystemEvents() []SystemEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]SystemEvent(nil), f.systemEvents...)
}

// SystemPayloads returns a copy of the formatted system payloads.
func (f *FakePublisher) SystemPayloads() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]byte(nil), f.systemPayloads...)
}

// Close marks the publisher as closed.
func (f *FakePublisher) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

// Closed reports whether Close was called.
func (f *FakePublisher) Closed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// SetConnected controls the return value of IsConnected.
func (f *FakePublisher) SetConnected(c bool) {
	f.mu.Lock()
	f.connected = c
	f.mu.Unlock()
}

// IsConnected reports whether the fake publisher is "connected".
func (f *FakePublisher) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

// Reset clears recorded events.
func (f *FakePublisher) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = nil
	f.systemEvents = nil
	f.systemPayloads = nil
	f.closed = false
	f.PublishError = nil
	f.PublishSystemError = nil
	f.connected = false
}
