// Package status tracks daemon state for the HTTP endpoints and MQTT system
// events, and publishes the periodic filament indicator.
package status

import (
	"sync"
	"time"

	"github.com/sweeney/filament-sensor/internal/logic"
	"github.com/sweeney/filament-sensor/internal/sensor"
)

// Source supplies live sensor state. *sensor.Monitor satisfies it without
// taking its decision lock.
type Source interface {
	Status() logic.State
	Snapshot() sensor.Info
}

// NetworkInfo is the host network state reported by pi-helper.
type NetworkInfo struct {
	Type       string // "wifi" or "ethernet"
	IP         string
	Status     string
	Gateway    string
	WifiStatus string
	SSID       string
}

// Config contains daemon configuration for display.
type Config struct {
	Pin              int
	PinMode          string
	DebounceMs       int64
	StatusIntervalMs int64
	Resend           string
	PauseOnAbsent    bool
	Printer          string // controller kind
	PrinterURL       string
	Broker           string
	HTTPAddr         string
}

// Snapshot is a point-in-time view of daemon state.
// It is a value type and safe to use after the lock is released.
type Snapshot struct {
	Filament         logic.State
	Monitor          sensor.Info
	StartTime        time.Time
	Now              time.Time
	MQTTConnected    bool
	PrinterConnected bool
	Network          *NetworkInfo
	Config           Config
}

// Uptime returns the duration since the daemon started.
func (s Snapshot) Uptime() time.Duration {
	return s.Now.Sub(s.StartTime)
}

// Tracker holds mutable daemon state behind an RWMutex.
type Tracker struct {
	mu     sync.RWMutex
	snap   Snapshot
	source Source
}

// NewTracker creates a Tracker with the given start time and config.
func NewTracker(startTime time.Time, cfg Config) *Tracker {
	return &Tracker{
		snap: Snapshot{
			Filament:  logic.StateUnknown,
			StartTime: startTime,
			Config:    cfg,
		},
	}
}

// SetSource attaches the sensor whose state Snapshot reports.
func (t *Tracker) SetSource(src Source) {
	t.mu.Lock()
	t.source = src
	t.mu.Unlock()
}

// SetConfig replaces the displayed configuration after a reload.
func (t *Tracker) SetConfig(cfg Config) {
	t.mu.Lock()
	t.snap.Config = cfg
	t.mu.Unlock()
}

// SetMQTTConnected sets the MQTT connection status.
func (t *Tracker) SetMQTTConnected(connected bool) {
	t.mu.Lock()
	t.snap.MQTTConnected = connected
	t.mu.Unlock()
}

// SetPrinterConnected sets the job controller connection status.
func (t *Tracker) SetPrinterConnected(connected bool) {
	t.mu.Lock()
	t.snap.PrinterConnected = connected
	t.mu.Unlock()
}

// SetNetwork sets the network info.
func (t *Tracker) SetNetwork(info *NetworkInfo) {
	t.mu.Lock()
	t.snap.Network = info
	t.mu.Unlock()
}

// Snapshot returns a point-in-time copy of the daemon state.
// The Now field is set to the current time at the moment of the call.
func (t *Tracker) Snapshot() Snapshot {
	t.mu.RLock()
	s := t.snap
	src := t.source
	t.mu.RUnlock()

	if src != nil {
		s.Filament = src.Status()
		s.Monitor = src.Snapshot()
	}
	s.Now = time.Now()
	return s
}

// LegacyCode returns the numeric indicator served on /status:
// "-1" sensor disabled or unreadable, "0" no filament, "1" filament loaded.
func LegacyCode(s logic.State) string {
	switch s {
	case logic.StateAbsent:
		return "0"
	case logic.StatePresent:
		return "1"
	default:
		return "-1"
	}
}
