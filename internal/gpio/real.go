//go:build linux

package gpio

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/warthog618/go-gpiocdev"
)

const consumer = "filament-sensor"

// edgeQueue is the number of edges buffered between the kernel watcher and
// the handler. Edges beyond it are dropped; the handler resamples anyway.
const edgeQueue = 16

// RealDevice drives lines through the Linux GPIO character device.
type RealDevice struct {
	chip *gpiocdev.Chip

	mu    sync.Mutex
	lines map[int]*realLine
}

// requestedLine is the part of *gpiocdev.Line the device uses.
type requestedLine interface {
	Value() (int, error)
	Reconfigure(options ...gpiocdev.LineConfigOption) error
	Close() error
}

type realLine struct {
	line  requestedLine
	bias  Bias
	watch *dispatcher
}

// dispatcher moves edges off the gpiocdev watcher goroutine so the handler
// may block (settle delays, printer calls) without stalling event reads.
type dispatcher struct {
	edges   chan edge
	stopped atomic.Bool
	fn      EdgeFunc
}

type edge struct {
	level int
	at    time.Time
}

// NewRealDevice opens the named GPIO chip.
func NewRealDevice(chip string) (*RealDevice, error) {
	if chip == "" {
		chip = DefaultChip
	}
	c, err := gpiocdev.NewChip(chip)
	if err != nil {
		return nil, fmt.Errorf("%w: open gpio chip %s: %v", ErrUnavailable, chip, err)
	}
	return &RealDevice{chip: c, lines: make(map[int]*realLine)}, nil
}

// Configure requests pin as an input with the given bias, replacing any
// previous request for the same pin.
func (d *RealDevice) Configure(pin int, bias Bias) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if rl, ok := d.lines[pin]; ok {
		d.stopLocked(rl)
		rl.line.Close()
		delete(d.lines, pin)
	}

	l, err := d.chip.RequestLine(pin, gpiocdev.AsInput, biasOption(bias), gpiocdev.WithConsumer(consumer))
	if err != nil {
		return fmt.Errorf("%w: request pin %d: %v", ErrUnavailable, pin, err)
	}
	d.lines[pin] = &realLine{line: l, bias: bias}
	return nil
}

// Read returns the raw level of pin. The lock is held across the read so
// Watch and Unwatch cannot swap the line underneath it.
func (d *RealDevice) Read(pin int) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	rl, ok := d.lines[pin]
	if !ok {
		return 0, fmt.Errorf("%w: pin %d not configured", ErrUnavailable, pin)
	}
	v, err := rl.line.Value()
	if err != nil {
		return 0, fmt.Errorf("read pin %d: %w", pin, err)
	}
	return v, nil
}

// Watch re-requests pin with both-edge detection. Edge events can only be
// attached at request time, so the line is briefly released.
func (d *RealDevice) Watch(pin int, debounce time.Duration, fn EdgeFunc) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	rl, ok := d.lines[pin]
	if !ok {
		return fmt.Errorf("%w: pin %d not configured", ErrUnavailable, pin)
	}
	d.stopLocked(rl)
	rl.line.Close()

	disp := &dispatcher{edges: make(chan edge, edgeQueue), fn: fn}
	opts := []gpiocdev.LineReqOption{
		gpiocdev.AsInput,
		biasOption(rl.bias),
		gpiocdev.WithConsumer(consumer),
		gpiocdev.WithBothEdges,
		gpiocdev.WithEventHandler(disp.enqueue),
	}

	l, err := d.chip.RequestLine(pin, append(opts, gpiocdev.WithDebounce(debounce))...)
	if err != nil && debounce > 0 {
		// Older kernels (uAPI v1) reject debounce but still deliver edges.
		l, err = d.chip.RequestLine(pin, opts...)
	}
	if err == nil {
		rl.line = l
		rl.watch = disp
		go disp.run()
		return nil
	}

	edgeErr := err
	l, err = d.chip.RequestLine(pin, gpiocdev.AsInput, biasOption(rl.bias), gpiocdev.WithConsumer(consumer))
	if err != nil {
		delete(d.lines, pin)
		return fmt.Errorf("%w: re-request pin %d: %v", ErrUnavailable, pin, err)
	}
	rl.line = l
	return fmt.Errorf("%w: pin %d: %v", ErrNoEdgeDetection, pin, edgeErr)
}

// Unwatch stops edge delivery for pin and re-requests it as a plain input.
func (d *RealDevice) Unwatch(pin int) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	rl, ok := d.lines[pin]
	if !ok || rl.watch == nil {
		return nil
	}
	d.stopLocked(rl)
	rl.line.Close()

	l, err := d.chip.RequestLine(pin, gpiocdev.AsInput, biasOption(rl.bias), gpiocdev.WithConsumer(consumer))
	if err != nil {
		delete(d.lines, pin)
		return fmt.Errorf("%w: re-request pin %d: %v", ErrUnavailable, pin, err)
	}
	rl.line = l
	return nil
}

// stopLocked marks the dispatcher stopped before the line is closed, so
// queued edges are dropped rather than delivered after Unwatch returns.
func (d *RealDevice) stopLocked(rl *realLine) {
	if rl.watch == nil {
		return
	}
	rl.watch.stopped.Store(true)
	close(rl.watch.edges)
	rl.watch = nil
}

// Close releases all lines.
// Lines are reconfigured to input with pull-down (matching Pi boot defaults)
// before closing to leave a clean state for shutdown/reboot.
func (d *RealDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	var errs []error
	for pin, rl := range d.lines {
		d.stopLocked(rl)
		if err := rl.line.Reconfigure(gpiocdev.AsInput, gpiocdev.WithPullDown); err != nil {
			errs = append(errs, fmt.Errorf("reconfigure pin %d: %w", pin, err))
		}
		if err := rl.line.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close pin %d: %w", pin, err))
		}
		delete(d.lines, pin)
	}
	if err := d.chip.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close chip: %w", err))
	}
	return errors.Join(errs...)
}

// enqueue runs on the gpiocdev watcher goroutine and must not block.
func (p *dispatcher) enqueue(evt gpiocdev.LineEvent) {
	if p.stopped.Load() {
		return
	}
	level := 0
	if evt.Type == gpiocdev.LineEventRisingEdge {
		level = 1
	}
	defer func() {
		// edges may be closed between the stopped check and the send
		recover()
	}()
	select {
	case p.edges <- edge{level: level, at: time.Now()}:
	default:
		log.Warnf("gpio: edge queue full on line %d, dropping edge", evt.Offset)
	}
}

func (p *dispatcher) run() {
	for e := range p.edges {
		if p.stopped.Load() {
			continue
		}
		p.fn(e.level, e.at)
	}
}

func biasOption(b Bias) gpiocdev.LineReqOption {
	switch b {
	case BiasPullDown:
		return gpiocdev.WithPullDown
	case BiasDisabled:
		return gpiocdev.WithBiasDisabled
	default:
		return gpiocdev.WithPullUp
	}
}
