package sensor

import (
	"time"

	"github.com/sweeney/filament-sensor/internal/gpio"
	"github.com/sweeney/filament-sensor/internal/logic"
	"github.com/sweeney/filament-sensor/internal/presence"
)

// Config is an immutable snapshot of the sensor settings. Reload replaces
// it wholesale through Monitor.Reconfigure.
type Config struct {
	Pin         int // BCM offset, gpio.DisabledPin disables the sensor
	Bias        gpio.Bias
	AbsentLevel int
	Debounce    time.Duration

	Resend                logic.ResendPolicy
	PauseOnAbsent         bool
	AbortOnStartIfAbsent  bool
	PauseOnResumeIfAbsent bool
	MonitorWhilePaused    bool

	// RecoveryGcode lines are pongo2 templates rendered per runout.
	RecoveryGcode []string

	StatusInterval time.Duration // 0 disables the periodic status publisher
	PollInterval   time.Duration // used when the line has no edge detection
	ActionTimeout  time.Duration
}

// DefaultConfig returns the defaults of a normally-open switch wired
// between the pin and ground.
func DefaultConfig() Config {
	return Config{
		Pin:                   gpio.DisabledPin,
		Bias:                  gpio.BiasPullUp,
		AbsentLevel:           1,
		Debounce:              250 * time.Millisecond,
		Resend:                logic.ResendOnce,
		PauseOnAbsent:         true,
		AbortOnStartIfAbsent:  true,
		PauseOnResumeIfAbsent: true,
		MonitorWhilePaused:    true,
		StatusInterval:        5 * time.Second,
		PollInterval:          100 * time.Millisecond,
		ActionTimeout:         10 * time.Second,
	}
}

// Presence returns the reader part of the configuration.
func (c Config) Presence() presence.Config {
	return presence.Config{
		Pin:         c.Pin,
		Bias:        c.Bias,
		AbsentLevel: c.AbsentLevel,
		Debounce:    c.Debounce,
	}
}

func (c Config) policy(gcode []string) logic.Policy {
	return logic.Policy{
		Resend:        c.Resend,
		PauseOnAbsent: c.PauseOnAbsent,
		RecoveryGcode: gcode,
	}
}
