// Package mqtt publishes filament events to an MQTT broker and receives
// OctoPrint job events from it.
package mqtt

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/sweeney/filament-sensor/internal/jobctl"
	"github.com/sweeney/filament-sensor/internal/status"
)

// DefaultPrefix is the topic prefix for everything this daemon publishes.
const DefaultPrefix = "printer/filament"

// OctoPrintEventPrefix is where the OctoPrint MQTT plugin publishes events.
const OctoPrintEventPrefix = "octoPrint/event/"

// Topics derived from a prefix.
type Topics struct {
	Status string // retained filament indicator
	Events string // runout, reload and guard notifications
	System string // startup, shutdown and connection events
}

// TopicsFor returns the topics under prefix.
func TopicsFor(prefix string) Topics {
	prefix = strings.TrimRight(prefix, "/")
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return Topics{
		Status: prefix + "/status",
		Events: prefix + "/events",
		System: prefix + "/system",
	}
}

// Route picks the topic, QoS and retained flag for a sink event. The
// periodic indicator is retained so new subscribers see the last reading.
func (t Topics) Route(event string) (topic string, qos byte, retained bool) {
	if event == status.EventFilamentStatus {
		return t.Status, 0, true
	}
	return t.Events, 1, false
}

// Publisher publishes events to MQTT. It satisfies status.Sink.
type Publisher interface {
	// Publish sends a filament event to the broker.
	// Returns error if publishing fails (should not crash the process).
	Publish(event string, payload map[string]any) error

	// PublishSystem sends a system lifecycle event to the broker.
	PublishSystem(event SystemEvent) error

	// Close disconnects from the broker.
	Close() error
}

// ConnectionStatus reports whether the MQTT connection is active.
type ConnectionStatus interface {
	IsConnected() bool
}

// SystemEvent represents a system lifecycle event (e.g., startup, shutdown).
type SystemEvent struct {
	Timestamp  time.Time
	Event      string // e.g., "STARTUP", "SHUTDOWN", "RECONNECTED"
	Reason     string // e.g., "SIGTERM", "SIGINT" (shutdown only)
	RawPayload []byte // Pre-formatted JSON payload; if set, FormatSystemPayload returns it directly
	Retained   bool   // Whether the message should be retained by the broker
}

// Payload is the MQTT message envelope for filament events.
type Payload struct {
	Filament map[string]any `json:"filament"`
}

// FormatPayload creates the JSON payload for a filament event. The event
// name is added to the payload fields.
func FormatPayload(event string, fields map[string]any) ([]byte, error) {
	inner := make(map[string]any, len(fields)+1)
	for k, v := range fields {
		inner[k] = v
	}
	inner["event"] = event
	return json.Marshal(Payload{Filament: inner})
}

// SystemPayload represents the MQTT message payload for system events.
// Used for simple events (LWT, RECONNECTED) that don't carry a full status snapshot.
type SystemPayload struct {
	System SystemPayloadInner `json:"system"`
}

// SystemPayloadInner contains the system event details.
type SystemPayloadInner struct {
	Timestamp string `json:"timestamp"`
	Event     string `json:"event"`
	Reason    string `json:"reason,omitempty"`
}

// FormatSystemPayload creates the JSON payload for a system event.
// If event.RawPayload is set, it is returned directly (used for full status snapshots).
func FormatSystemPayload(event SystemEvent) ([]byte, error) {
	if event.RawPayload != nil {
		return event.RawPayload, nil
	}

	payload := SystemPayload{
		System: SystemPayloadInner{
			Timestamp: event.Timestamp.UTC().Format(time.RFC3339),
			Event:     event.Event,
			Reason:    event.Reason,
		},
	}
	return json.Marshal(payload)
}

// ParseOctoPrintTopic maps an OctoPrint event topic such as
// octoPrint/event/PrintStarted to a job lifecycle event. ok is false for
// other topics and events that do not affect the sensor.
func ParseOctoPrintTopic(topic string) (ev jobctl.Event, ok bool) {
	name, found := strings.CutPrefix(topic, OctoPrintEventPrefix)
	if !found || name == "" {
		return "", false
	}
	ev, err := jobctl.ParseEvent(name)
	if err != nil {
		return "", false
	}
	return ev, true
}
