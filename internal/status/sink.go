package status

import (
	"errors"

	log "github.com/sirupsen/logrus"
)

// Sink receives named events with a JSON-serializable payload.
type Sink interface {
	Publish(event string, payload map[string]any) error
}

// MultiSink fans events out to every sink. All sinks are tried; their
// errors are joined.
type MultiSink []Sink

// Publish sends the event to every sink.
func (m MultiSink) Publish(event string, payload map[string]any) error {
	var errs []error
	for _, s := range m {
		if err := s.Publish(event, payload); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// LogSink logs events. Periodic status events are logged at debug level.
type LogSink struct{}

// Publish logs the event.
func (LogSink) Publish(event string, payload map[string]any) error {
	entry := log.WithFields(log.Fields(payload)).WithField("event", event)
	if event == EventFilamentStatus {
		entry.Debug("status")
	} else {
		entry.Info("event")
	}
	return nil
}
