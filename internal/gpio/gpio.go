// Package gpio provides digital input lines with edge notification.
// The real implementation uses the Linux GPIO character device.
// The fake implementation allows testing without hardware.
package gpio

import (
	"errors"
	"time"
)

// DisabledPin marks a sensor with no line configured.
const DisabledPin = -1

// DefaultChip is the GPIO chip carrying the Raspberry Pi header lines.
const DefaultChip = "gpiochip0"

// Bias selects the internal resistor applied to an input line.
type Bias string

const (
	BiasPullUp   Bias = "pull-up"
	BiasPullDown Bias = "pull-down"
	BiasDisabled Bias = "disabled"
)

var (
	// ErrUnavailable is returned when a line cannot be opened or configured,
	// e.g. the pin is already claimed or the chip does not exist.
	ErrUnavailable = errors.New("gpio: line unavailable")

	// ErrNoEdgeDetection is returned by Watch when the line can be read but
	// the kernel refuses edge events for it. Callers fall back to polling.
	ErrNoEdgeDetection = errors.New("gpio: edge detection not supported")
)

// EdgeFunc receives the raw level observed at an edge and the time it was seen.
type EdgeFunc func(level int, at time.Time)

// Device is a digital input device with interrupt delivery.
type Device interface {
	// Configure requests pin as an input with the given bias.
	Configure(pin int, bias Bias) error

	// Read returns the raw electrical level (0 or 1) of a configured pin.
	Read(pin int) (int, error)

	// Watch delivers both-edge notifications for pin to fn.
	// debounce is a hint passed to the kernel where supported.
	Watch(pin int, debounce time.Duration, fn EdgeFunc) error

	// Unwatch stops edge delivery. No new call to fn is dispatched after
	// Unwatch returns; a call already running may still complete.
	// Unwatching a pin that is not watched is a no-op.
	Unwatch(pin int) error

	// Close releases all lines.
	Close() error
}
