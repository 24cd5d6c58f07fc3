// Package presence turns raw GPIO levels into filament presence readings.
package presence

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sweeney/filament-sensor/internal/gpio"
	"github.com/sweeney/filament-sensor/internal/logic"
)

// ErrSensorUnavailable is returned when the input line cannot be opened,
// configured or subscribed.
var ErrSensorUnavailable = errors.New("sensor unavailable")

// Config selects the line and how its level is interpreted.
type Config struct {
	Pin         int // BCM offset, gpio.DisabledPin when unconfigured
	Bias        gpio.Bias
	AbsentLevel int           // raw level reported with no filament loaded
	Debounce    time.Duration // hint for kernel-side debouncing
}

// Enabled reports whether a pin is configured.
func (c Config) Enabled() bool {
	return c.Pin >= 0
}

// Sample is a single reading with the raw level it was derived from.
type Sample struct {
	Level int
	State logic.State
}

// Reader reads presence from a gpio.Device. It does no debouncing.
// Reader has its own lock and is safe to share between the monitor and
// status publishers.
type Reader struct {
	dev gpio.Device

	mu       sync.RWMutex
	cfg      Config
	armedPin int
}

// NewReader creates an unconfigured reader; Read returns UNKNOWN until
// Configure succeeds with a pin.
func NewReader(dev gpio.Device) *Reader {
	return &Reader{
		dev:      dev,
		cfg:      Config{Pin: gpio.DisabledPin},
		armedPin: gpio.DisabledPin,
	}
}

// Configure swaps the reader configuration and requests the line.
// The reader must be disarmed first.
func (r *Reader) Configure(cfg Config) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.cfg = cfg
	if !cfg.Enabled() {
		return nil
	}
	if err := r.dev.Configure(cfg.Pin, cfg.Bias); err != nil {
		return fmt.Errorf("%w: configure pin %d: %v", ErrSensorUnavailable, cfg.Pin, err)
	}
	return nil
}

// Config returns the current configuration.
func (r *Reader) Config() Config {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.cfg
}

// Enabled reports whether a pin is configured.
func (r *Reader) Enabled() bool {
	return r.Config().Enabled()
}

// Sample reads the raw level and maps it through the configured polarity.
// An unconfigured reader returns an UNKNOWN sample with level -1.
func (r *Reader) Sample() (Sample, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if !r.cfg.Enabled() {
		return Sample{Level: -1, State: logic.StateUnknown}, nil
	}
	level, err := r.dev.Read(r.cfg.Pin)
	if err != nil {
		return Sample{Level: -1, State: logic.StateUnknown}, err
	}
	return Sample{Level: level, State: logic.StateFromLevel(level, r.cfg.AbsentLevel)}, nil
}

// Read returns the current presence state; read errors map to UNKNOWN.
func (r *Reader) Read() logic.State {
	s, _ := r.Sample()
	return s.State
}

// Arm subscribes fn to both-edge notifications on the configured pin.
// gpio.ErrNoEdgeDetection is returned unwrapped so callers can fall back
// to polling; other failures wrap ErrSensorUnavailable.
func (r *Reader) Arm(fn gpio.EdgeFunc) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.cfg.Enabled() {
		return fmt.Errorf("%w: no pin configured", ErrSensorUnavailable)
	}
	if r.armedPin != gpio.DisabledPin {
		if err := r.dev.Unwatch(r.armedPin); err != nil {
			return fmt.Errorf("%w: unwatch pin %d: %v", ErrSensorUnavailable, r.armedPin, err)
		}
		r.armedPin = gpio.DisabledPin
	}

	err := r.dev.Watch(r.cfg.Pin, r.cfg.Debounce, fn)
	switch {
	case err == nil:
		r.armedPin = r.cfg.Pin
		return nil
	case errors.Is(err, gpio.ErrNoEdgeDetection):
		return err
	default:
		return fmt.Errorf("%w: watch pin %d: %v", ErrSensorUnavailable, r.cfg.Pin, err)
	}
}

// Disarm unsubscribes edge notifications. Calling it when not armed is a no-op.
func (r *Reader) Disarm() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.armedPin == gpio.DisabledPin {
		return nil
	}
	pin := r.armedPin
	r.armedPin = gpio.DisabledPin
	if err := r.dev.Unwatch(pin); err != nil {
		return fmt.Errorf("unwatch pin %d: %w", pin, err)
	}
	return nil
}

// Armed reports whether edge notifications are subscribed.
func (r *Reader) Armed() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.armedPin != gpio.DisabledPin
}
