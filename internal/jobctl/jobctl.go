// Package jobctl controls print jobs on the host that runs the printer and
// reports job lifecycle events back to the sensor.
package jobctl

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Controller executes job-control actions.
// Implementations must not call back into the sensor synchronously.
type Controller interface {
	// CancelPrint aborts the active job.
	CancelPrint(ctx context.Context) error

	// PausePrint pauses the active job.
	PausePrint(ctx context.Context) error

	// SendCommands sends G-code lines in order.
	SendCommands(ctx context.Context, commands []string) error

	// IsPrinting reports whether a job is currently running.
	IsPrinting(ctx context.Context) (bool, error)
}

// Operation names used in errors and notifications.
const (
	OpCancel     = "cancel_print"
	OpPause      = "pause_print"
	OpCommands   = "send_commands"
	OpIsPrinting = "is_printing"
)

// ErrNotConnected is returned when the printer host link is down.
var ErrNotConnected = errors.New("printer host not connected")

// Error is a job controller failure. It is never retried automatically.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func opError(op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Op: op, Err: err}
}

// Event is a print job lifecycle transition.
type Event string

const (
	EventStarted   Event = "started"
	EventResumed   Event = "resumed"
	EventPaused    Event = "paused"
	EventDone      Event = "done"
	EventFailed    Event = "failed"
	EventCancelled Event = "cancelled"
	EventErrored   Event = "errored"
)

// Terminal reports whether the event ends the job.
func (e Event) Terminal() bool {
	switch e {
	case EventDone, EventFailed, EventCancelled, EventErrored:
		return true
	}
	return false
}

// EventHandler receives lifecycle events from a controller or event source.
type EventHandler func(Event)

// octoPrintEvents maps OctoPrint event names to lifecycle events.
var octoPrintEvents = map[string]Event{
	"printstarted":   EventStarted,
	"printresumed":   EventResumed,
	"printpaused":    EventPaused,
	"printdone":      EventDone,
	"printfailed":    EventFailed,
	"printcancelled": EventCancelled,
	"error":          EventErrored,
}

// ParseEvent accepts lifecycle event names ("started") and OctoPrint event
// names ("PrintStarted"), case-insensitively.
func ParseEvent(s string) (Event, error) {
	name := strings.ToLower(strings.TrimSpace(s))
	switch e := Event(name); e {
	case EventStarted, EventResumed, EventPaused, EventDone, EventFailed, EventCancelled, EventErrored:
		return e, nil
	}
	if e, ok := octoPrintEvents[name]; ok {
		return e, nil
	}
	return "", fmt.Errorf("unknown job event %q", s)
}
