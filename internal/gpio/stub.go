//go:build !linux

package gpio

import (
	"errors"
	"time"
)

var errUnsupported = errors.New("gpio: not supported on this platform (requires Linux)")

// RealDevice is not available on non-Linux platforms.
type RealDevice struct{}

// NewRealDevice returns an error on non-Linux platforms.
func NewRealDevice(chip string) (*RealDevice, error) {
	return nil, errors.Join(ErrUnavailable, errUnsupported)
}

// Configure is not implemented on non-Linux platforms.
func (d *RealDevice) Configure(pin int, bias Bias) error {
	return errors.Join(ErrUnavailable, errUnsupported)
}

// Read is not implemented on non-Linux platforms.
func (d *RealDevice) Read(pin int) (int, error) {
	return 0, errUnsupported
}

// Watch is not implemented on non-Linux platforms.
func (d *RealDevice) Watch(pin int, debounce time.Duration, fn EdgeFunc) error {
	return errors.Join(ErrUnavailable, errUnsupported)
}

// Unwatch is a no-op on non-Linux platforms.
func (d *RealDevice) Unwatch(pin int) error {
	return nil
}

// Close is a no-op on non-Linux platforms.
func (d *RealDevice) Close() error {
	return nil
}
