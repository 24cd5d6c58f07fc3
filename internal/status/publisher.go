package status

import (
	"context"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/sweeney/filament-sensor/internal/logic"
)

// EventFilamentStatus is the periodic indicator event.
const EventFilamentStatus = "filament_status"

// Reader is the read side of the presence reader.
type Reader interface {
	Enabled() bool
	Read() logic.State
}

// Publisher periodically reads the sensor and publishes its UI status.
// It only reads; it never touches the monitor or the job controller.
type Publisher struct {
	reader Reader
	sink   Sink
	now    func() time.Time

	mu       sync.Mutex
	interval time.Duration
	changed  chan struct{}
}

// NewPublisher creates a publisher. An interval of 0 keeps it idle until
// SetInterval enables it.
func NewPublisher(reader Reader, sink Sink, interval time.Duration) *Publisher {
	return &Publisher{
		reader:   reader,
		sink:     sink,
		now:      time.Now,
		interval: interval,
		changed:  make(chan struct{}, 1),
	}
}

// SetInterval swaps the publish interval; the running loop restarts its
// timer immediately.
func (p *Publisher) SetInterval(d time.Duration) {
	p.mu.Lock()
	p.interval = d
	p.mu.Unlock()

	select {
	case p.changed <- struct{}{}:
	default:
	}
}

// Interval returns the current publish interval.
func (p *Publisher) Interval() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.interval
}

// Payload builds the indicator payload for state s.
func Payload(s logic.State, at time.Time) map[string]any {
	return map[string]any{
		"filamentStatus": s.UIStatus(),
		"timestamp":      at.UTC().Format(time.RFC3339),
	}
}

// Tick reads the sensor once and publishes the result.
func (p *Publisher) Tick() error {
	s := logic.StateUnknown
	if p.reader.Enabled() {
		s = p.reader.Read()
	}
	return p.sink.Publish(EventFilamentStatus, Payload(s, p.now()))
}

// Run publishes every interval until ctx is cancelled.
func (p *Publisher) Run(ctx context.Context) error {
	for {
		interval := p.Interval()

		var tick <-chan time.Time
		var timer *time.Timer
		if interval > 0 {
			timer = time.NewTimer(interval)
			tick = timer.C
		}

		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return nil
		case <-p.changed:
			if timer != nil {
				timer.Stop()
			}
			log.Debugf("status: publish interval now %v", p.Interval())
		case <-tick:
			if err := p.Tick(); err != nil {
				log.WithError(err).Warn("status: publish failed")
			}
		}
	}
}
