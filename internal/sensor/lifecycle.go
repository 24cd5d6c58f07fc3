package sensor

import (
	"context"

	log "github.com/sirupsen/logrus"

	"github.com/sweeney/filament-sensor/internal/jobctl"
	"github.com/sweeney/filament-sensor/internal/logic"
)

// HandleJobEvent arms, disarms or guards the job on a lifecycle
// transition. Controller failures are logged and returned; they are
// never retried.
func (m *Monitor) HandleJobEvent(ctx context.Context, ev jobctl.Event) error {
	m.mu.Lock()
	defer m.unlock()

	logger := log.WithField("event", ev)

	switch {
	case ev == jobctl.EventStarted:
		m.jobActive = true
		m.paused = false
		if m.cfg.AbortOnStartIfAbsent && m.readLocked() == logic.StateAbsent {
			logger.Warn("sensor: no filament at job start, cancelling print")
			m.disarmLocked()
			m.jobActive = false
			return m.guardLocked(ctx, jobctl.OpCancel, ev)
		}
		logger.Info("sensor: job started, enabling sensor")
		return m.armLocked()

	case ev == jobctl.EventResumed:
		m.jobActive = true
		m.paused = false
		if m.cfg.PauseOnAbsent && m.cfg.PauseOnResumeIfAbsent && m.readLocked() == logic.StateAbsent {
			logger.Warn("sensor: no filament at resume, pausing again")
			m.disarmLocked()
			m.paused = true
			return m.guardLocked(ctx, jobctl.OpPause, ev)
		}
		logger.Info("sensor: job resumed, enabling sensor")
		return m.armLocked()

	case ev == jobctl.EventPaused:
		m.paused = true
		if m.cfg.MonitorWhilePaused {
			logger.Debug("sensor: job paused, sensor stays armed")
			return nil
		}
		logger.Info("sensor: job paused, disabling sensor")
		m.disarmLocked()
		return nil

	case ev.Terminal():
		logger.Info("sensor: job ended, disabling sensor")
		m.jobActive = false
		m.paused = false
		m.disarmLocked()
		return nil
	}

	logger.Debug("sensor: ignoring job event")
	return nil
}

func (m *Monitor) readLocked() logic.State {
	if m.disabled.Load() {
		return logic.StateUnknown
	}
	return m.reader.Read()
}

// guardLocked runs a start or resume guard action and reports it.
func (m *Monitor) guardLocked(ctx context.Context, op string, ev jobctl.Event) error {
	ctx, cancel := m.actionContext(ctx)
	defer cancel()

	var err error
	switch op {
	case jobctl.OpCancel:
		err = m.ctl.CancelPrint(ctx)
	case jobctl.OpPause:
		err = m.ctl.PausePrint(ctx)
	}

	payload := map[string]any{"pin": m.cfg.Pin, "event": string(ev), "action": op}
	if err != nil {
		m.lastErr = err
		payload["error"] = err.Error()
		log.WithError(err).Errorf("sensor: %s failed", op)
	}
	m.notifyLocked(EventGuard, payload)
	return err
}

// Sync arms the monitor when the controller reports a job already running,
// e.g. after a restart mid-print. No start guard is applied.
func (m *Monitor) Sync(ctx context.Context) error {
	printing, err := m.ctl.IsPrinting(ctx)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.unlock()
	if !printing {
		log.Debug("sensor: no job running")
		return nil
	}
	log.Info("sensor: job already running, enabling sensor")
	m.jobActive = true
	m.paused = false
	return m.armLocked()
}
