// Package sensor wires presence readings, the runout decision table and the
// job controller together. Monitor is the only component that executes
// job-control actions.
package sensor

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/sweeney/filament-sensor/internal/gcode"
	"github.com/sweeney/filament-sensor/internal/gpio"
	"github.com/sweeney/filament-sensor/internal/jobctl"
	"github.com/sweeney/filament-sensor/internal/logic"
	"github.com/sweeney/filament-sensor/internal/presence"
)

// Notification event names.
const (
	EventRunout      = "filament_runout"
	EventLoaded      = "filament_loaded"
	EventGuard       = "filament_guard"
	EventSensorError = "sensor_error"
)

// Notifier receives runout notifications. status.Sink satisfies it.
type Notifier interface {
	Publish(event string, payload map[string]any) error
}

type notification struct {
	event   string
	payload map[string]any
}

// Info is a point-in-time view of the monitor for status pages.
type Info struct {
	State      logic.State // last announced
	Armed      bool
	Polling    bool
	JobActive  bool
	Paused     bool
	Disabled   bool
	Notified   bool
	Episode    string
	Runouts    int
	LastRunout time.Time
	LastError  string

	Edges    int // accepted by the debounce gate
	Bounced  int // rejected by the debounce gate
	Spurious int // same raw level as the previous reading
	Stale    int // invalidated by a disarm during settle

	Config Config
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithNotifier publishes runout notifications to n.
func WithNotifier(n Notifier) Option {
	return func(m *Monitor) { m.notifier = n }
}

// WithSettle replaces the settle delay taken after each accepted edge.
func WithSettle(fn func(time.Duration)) Option {
	return func(m *Monitor) { m.settle = fn }
}

// WithClock replaces the clock used for poll timestamps and status.
func WithClock(now func() time.Time) Option {
	return func(m *Monitor) { m.now = now }
}

// Monitor is the sensor state machine. One mutex guards all decision
// state; edge callbacks, poll ticks, lifecycle events and reconfiguration
// all serialize on it.
type Monitor struct {
	reader   *presence.Reader
	ctl      jobctl.Controller
	notifier Notifier
	renderer *gcode.Renderer
	settle   func(time.Duration)
	now      func() time.Time

	mu         sync.Mutex
	cfg        Config
	script     *gcode.Script
	machine    *logic.Machine
	gate       *logic.Gate
	armed      bool
	gen        uint64
	jobActive  bool
	paused     bool
	pollCancel context.CancelFunc
	episode    string
	lastErr    error
	outbox     []notification

	runouts    int
	lastRunout time.Time
	edges      int
	bounced    int
	spurious   int
	stale      int

	disabled atomic.Bool
	info     atomic.Pointer[Info]
}

// New creates a monitor with the sensor disabled. Call Reconfigure to
// apply a configuration.
func New(reader *presence.Reader, ctl jobctl.Controller, opts ...Option) *Monitor {
	cfg := DefaultConfig()
	m := &Monitor{
		reader:   reader,
		ctl:      ctl,
		renderer: gcode.NewRenderer(),
		settle:   time.Sleep,
		now:      time.Now,
		cfg:      cfg,
		script:   &gcode.Script{},
		machine:  logic.NewMachine(cfg.policy(nil)),
		gate:     logic.NewGate(cfg.Debounce),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.info.Store(m.infoLocked())
	return m
}

// unlock releases the mutex after refreshing the status snapshot, then
// delivers queued notifications outside the lock.
func (m *Monitor) unlock() {
	m.info.Store(m.infoLocked())
	pending := m.outbox
	m.outbox = nil
	m.mu.Unlock()

	if m.notifier == nil {
		return
	}
	for _, n := range pending {
		if err := m.notifier.Publish(n.event, n.payload); err != nil {
			log.WithError(err).Warnf("sensor: publish %s failed", n.event)
		}
	}
}

func (m *Monitor) notifyLocked(event string, payload map[string]any) {
	payload["timestamp"] = m.now().Format(time.RFC3339)
	m.outbox = append(m.outbox, notification{event: event, payload: payload})
}

// Arm subscribes to edge notifications after a full disarm, resets the
// episode and seeds the machine with one reading. It is a no-op while the
// sensor is disabled.
func (m *Monitor) Arm() error {
	m.mu.Lock()
	defer m.unlock()
	return m.armLocked()
}

func (m *Monitor) armLocked() error {
	if m.disabled.Load() || !m.cfg.Presence().Enabled() {
		return nil
	}
	m.disarmLocked()
	m.machine.Reset()
	m.gate.Reset()
	m.episode = ""

	gen := m.gen
	polling := false
	err := m.reader.Arm(func(level int, at time.Time) { m.edge(gen, level, at) })
	switch {
	case err == nil:
	case errors.Is(err, gpio.ErrNoEdgeDetection):
		log.WithField("pin", m.cfg.Pin).Warnf("sensor: %v, polling every %v", err, m.cfg.PollInterval)
		polling = true
	default:
		m.setDisabledLocked(err)
		return err
	}
	m.armed = true

	level := -1
	if s, err := m.reader.Sample(); err != nil {
		log.WithError(err).Warn("sensor: seed read failed")
	} else {
		m.machine.Seed(s.Level, s.State)
		level = s.Level
	}
	if polling {
		m.startPollLocked(level)
	}
	log.WithField("pin", m.cfg.Pin).Infof("sensor: armed (%s)", m.machine.LastAnnounced())
	return nil
}

// Disarm unsubscribes edge notifications and stops polling. No decision
// started before Disarm executes actions after it returns. Idempotent.
func (m *Monitor) Disarm() error {
	m.mu.Lock()
	defer m.unlock()
	return m.disarmLocked()
}

func (m *Monitor) disarmLocked() error {
	m.gen++
	if m.pollCancel != nil {
		m.pollCancel()
		m.pollCancel = nil
	}
	wasArmed := m.armed
	m.armed = false
	err := m.reader.Disarm()
	if err != nil {
		log.WithError(err).Warn("sensor: disarm failed")
	}
	if wasArmed {
		log.Info("sensor: disarmed")
	}
	return err
}

func (m *Monitor) setDisabledLocked(err error) {
	m.disabled.Store(true)
	m.lastErr = err
	log.WithError(err).Error("sensor: disabled")
	m.notifyLocked(EventSensorError, map[string]any{"pin": m.cfg.Pin, "error": err.Error()})
}

// OnEdge handles a raw edge for the current subscription. Accepted edges
// wait for the debounce window to settle, then the line is re-read and fed
// to the decision table.
func (m *Monitor) OnEdge(level int, at time.Time) {
	m.mu.Lock()
	gen := m.gen
	m.mu.Unlock()
	m.edge(gen, level, at)
}

// edge handles an edge delivered by the subscription made for generation
// gen. Edges from an earlier subscription are dropped.
func (m *Monitor) edge(gen uint64, level int, at time.Time) {
	m.mu.Lock()
	if !m.armed {
		m.mu.Unlock()
		return
	}
	if m.gen != gen {
		m.stale++
		m.unlock()
		log.Debug("sensor: edge from a previous subscription, ignoring")
		return
	}
	if !m.gate.Allow(at) {
		m.bounced++
		m.unlock()
		return
	}
	m.edges++
	wait := m.cfg.Debounce
	m.unlock()

	if wait > 0 {
		m.settle(wait)
	}

	m.mu.Lock()
	defer m.unlock()

	if !m.armed || m.gen != gen {
		m.stale++
		log.Debug("sensor: stale edge after disarm, ignoring")
		return
	}
	s, err := m.reader.Sample()
	if err != nil {
		log.WithError(err).Warn("sensor: read after edge failed")
		return
	}
	if !m.machine.NoteLevel(s.Level) {
		m.spurious++
		log.Debugf("sensor: spurious edge, level still %d", s.Level)
		return
	}
	m.decideLocked(s)
}

// PollOnce samples the line and feeds the reading to the decision table.
// Unlike OnEdge there is no settle delay and no duplicate-level rejection.
func (m *Monitor) PollOnce(now time.Time) {
	m.mu.Lock()
	defer m.unlock()
	if m.armed {
		m.pollLocked(now)
	}
}

func (m *Monitor) pollLocked(now time.Time) {
	if !m.gate.Allow(now) {
		m.bounced++
		return
	}
	s, err := m.reader.Sample()
	if err != nil {
		log.WithError(err).Warn("sensor: poll read failed")
		return
	}
	m.machine.NoteLevel(s.Level)
	m.decideLocked(s)
}

// startPollLocked runs the polling fallback for the current generation.
// The loop only calls into the decision table when the raw level changes.
func (m *Monitor) startPollLocked(level int) {
	ctx, cancel := context.WithCancel(context.Background())
	m.pollCancel = cancel
	go m.pollLoop(ctx, m.gen, level, m.cfg.PollInterval)
}

func (m *Monitor) pollLoop(ctx context.Context, gen uint64, last int, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultConfig().PollInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		s, err := m.reader.Sample()
		if err != nil || s.Level == last {
			continue
		}
		last = s.Level

		m.mu.Lock()
		if m.armed && m.gen == gen {
			m.pollLocked(m.now())
		}
		m.unlock()
	}
}

func (m *Monitor) decideLocked(s presence.Sample) {
	prev := m.machine.LastAnnounced()
	actions, fire := m.machine.Observe(s.State)
	next := m.machine.LastAnnounced()

	if next != prev {
		log.WithField("raw_level", s.Level).Infof("sensor: filament %s", next)
	}
	if prev == logic.StateAbsent && next == logic.StatePresent {
		if m.episode != "" {
			m.notifyLocked(EventLoaded, map[string]any{"episode": m.episode, "pin": m.cfg.Pin})
		}
		m.episode = ""
	}
	if !fire {
		return
	}

	if m.episode == "" {
		m.episode = uuid.New().String()
	}
	m.runouts++
	m.lastRunout = m.now()
	log.WithField("episode", m.episode).Warnf("sensor: out of filament, %d action(s)", len(actions))

	err := m.executeLocked(actions)
	payload := map[string]any{
		"episode": m.episode,
		"pin":     m.cfg.Pin,
		"actions": actionNames(actions),
	}
	if err != nil {
		m.lastErr = err
		payload["error"] = err.Error()
		log.WithError(err).Error("sensor: runout actions failed")
	} else {
		m.machine.Acknowledge()
	}
	m.notifyLocked(EventRunout, payload)
}

// executeLocked runs every action in order. A failing action does not
// stop the ones after it; all failures are returned joined.
func (m *Monitor) executeLocked(actions []logic.Action) error {
	if len(actions) == 0 {
		return nil
	}
	ctx, cancel := m.actionContext(context.Background())
	defer cancel()

	var errs []error
	for _, a := range actions {
		var err error
		switch a.Type {
		case logic.ActionPause:
			log.Info("sensor: pausing print")
			err = m.ctl.PausePrint(ctx)
		case logic.ActionCancel:
			log.Info("sensor: cancelling print")
			err = m.ctl.CancelPrint(ctx)
		case logic.ActionSendGcode:
			var lines []string
			lines, err = m.recoveryLines(a)
			if err == nil && len(lines) > 0 {
				log.Infof("sensor: sending %d line(s) of recovery gcode", len(lines))
				err = m.ctl.SendCommands(ctx, lines)
			}
		}
		if err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m *Monitor) recoveryLines(a logic.Action) ([]string, error) {
	if m.script.Empty() {
		return a.Commands, nil
	}
	return m.script.Render(map[string]any{
		"pin":     m.cfg.Pin,
		"episode": m.episode,
		"pause":   m.cfg.PauseOnAbsent,
		"runouts": m.runouts,
		"time":    m.now().Format(time.RFC3339),
	})
}

func (m *Monitor) actionContext(parent context.Context) (context.Context, context.CancelFunc) {
	if m.cfg.ActionTimeout > 0 {
		return context.WithTimeout(parent, m.cfg.ActionTimeout)
	}
	return context.WithCancel(parent)
}

func actionNames(actions []logic.Action) []string {
	names := make([]string, len(actions))
	for i, a := range actions {
		names[i] = string(a.Type)
	}
	return names
}

// Status reports the current reading without taking the monitor lock.
// It is DISABLED when no pin is configured or the line is unavailable.
func (m *Monitor) Status() logic.State {
	if m.disabled.Load() || !m.reader.Enabled() {
		return logic.StateDisabled
	}
	return m.reader.Read()
}

// Snapshot returns the state as of the last completed operation.
func (m *Monitor) Snapshot() Info {
	return *m.info.Load()
}

func (m *Monitor) infoLocked() *Info {
	info := &Info{
		State:      m.machine.LastAnnounced(),
		Armed:      m.armed,
		Polling:    m.pollCancel != nil,
		JobActive:  m.jobActive,
		Paused:     m.paused,
		Disabled:   m.disabled.Load(),
		Notified:   m.machine.Notified(),
		Episode:    m.episode,
		Runouts:    m.runouts,
		LastRunout: m.lastRunout,
		Edges:      m.edges,
		Bounced:    m.bounced,
		Spurious:   m.spurious,
		Stale:      m.stale,
		Config:     m.cfg,
	}
	if m.lastErr != nil {
		info.LastError = m.lastErr.Error()
	}
	return info
}

// Reconfigure swaps in cfg. The monitor is disarmed, the new policy and
// line settings applied, and it is re-armed when a job is running. A
// recovery template that fails to compile rejects cfg and leaves the old
// configuration in place. A line that cannot be opened disables the
// sensor until the next successful Reconfigure.
func (m *Monitor) Reconfigure(cfg Config) error {
	script, err := m.renderer.Compile(cfg.RecoveryGcode)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.unlock()

	m.disarmLocked()
	m.cfg = cfg
	m.script = script
	m.machine.SetPolicy(cfg.policy(script.Source()))
	m.gate.SetWindow(cfg.Debounce)

	if err := m.reader.Configure(cfg.Presence()); err != nil {
		m.setDisabledLocked(err)
		return err
	}
	m.disabled.Store(false)
	m.lastErr = nil
	log.WithFields(log.Fields{
		"pin":      cfg.Pin,
		"debounce": cfg.Debounce,
		"resend":   cfg.Resend,
	}).Info("sensor: configured")

	if m.jobActive && (!m.paused || cfg.MonitorWhilePaused) {
		return m.armLocked()
	}
	return nil
}

// Close disarms the monitor.
func (m *Monitor) Close() error {
	return m.Disarm()
}
