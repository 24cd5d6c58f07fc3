// Package logic contains pure business logic for filament presence tracking.
// This package has NO external dependencies (no GPIO, printer, OS, or time.Sleep).
// Time is always injectable via time.Time parameters.
package logic

import "fmt"

// State represents the filament presence reported by the sensor.
type State string

const (
	StatePresent State = "PRESENT"
	StateAbsent  State = "ABSENT"
	StateUnknown State = "UNKNOWN"

	// StateDisabled is only reported by status queries: no pin is
	// configured or the line could not be opened.
	StateDisabled State = "DISABLED"
)

// UIStatus returns the indicator class used by status consumers.
func (s State) UIStatus() string {
	switch s {
	case StatePresent:
		return "present"
	case StateAbsent:
		return "empty"
	default:
		return "unknown"
	}
}

// StateFromLevel maps a raw electrical level to a presence state.
// absentLevel is the level the switch reports with no filament loaded.
func StateFromLevel(level, absentLevel int) State {
	if level != 0 && level != 1 {
		return StateUnknown
	}
	if level == absentLevel {
		return StateAbsent
	}
	return StatePresent
}

// ResendPolicy controls whether runout actions repeat within one absence episode.
type ResendPolicy string

const (
	ResendOnce   ResendPolicy = "once"
	ResendRepeat ResendPolicy = "repeat"
)

// ParseResendPolicy validates a configured policy name.
func ParseResendPolicy(s string) (ResendPolicy, error) {
	switch ResendPolicy(s) {
	case ResendOnce, ResendRepeat:
		return ResendPolicy(s), nil
	case "":
		return ResendOnce, nil
	}
	return "", fmt.Errorf("invalid resend policy %q (must be once or repeat)", s)
}

// ActionType is a job-control action emitted by the state machine.
type ActionType string

const (
	ActionPause     ActionType = "PAUSE"
	ActionCancel    ActionType = "CANCEL"
	ActionSendGcode ActionType = "SEND_GCODE"
)

// Action is a single job-control command to execute.
type Action struct {
	Type     ActionType
	Commands []string // ActionSendGcode only
}

// Policy is the part of the sensor configuration the decision table needs.
type Policy struct {
	Resend        ResendPolicy
	PauseOnAbsent bool
	RecoveryGcode []string
}
