package logic

// Machine tracks the last acted-upon presence state and decides which
// actions a new reading requires.
// Not safe for concurrent use; the caller must synchronize.
type Machine struct {
	policy Policy

	// lastAnnounced is the state of the last acted-upon transition,
	// distinct from the raw last read.
	lastAnnounced State

	// notified is true once runout actions succeeded for the current
	// absence episode. Only ever true while lastAnnounced is ABSENT.
	notified bool

	// lastLevel caches the last electrically observed level so a
	// redelivered interrupt with no level change can be rejected.
	lastLevel  int
	levelKnown bool
}

// NewMachine creates a machine in the UNKNOWN state.
func NewMachine(p Policy) *Machine {
	return &Machine{policy: p, lastAnnounced: StateUnknown}
}

// SetPolicy replaces the decision policy. Episode state is kept.
func (m *Machine) SetPolicy(p Policy) {
	m.policy = p
	if p.Resend == ResendRepeat {
		m.notified = false
	}
}

// Reset returns the machine to UNKNOWN with no episode in progress.
func (m *Machine) Reset() {
	m.lastAnnounced = StateUnknown
	m.notified = false
	m.levelKnown = false
}

// Seed records a baseline reading without deciding on any action.
func (m *Machine) Seed(level int, s State) {
	if s == StateUnknown {
		return
	}
	m.lastAnnounced = s
	m.lastLevel = level
	m.levelKnown = true
}

// NoteLevel caches level and reports whether it differs from the cached
// one. A false result means the reading is a duplicate of the last one.
func (m *Machine) NoteLevel(level int) bool {
	if m.levelKnown && m.lastLevel == level {
		return false
	}
	m.lastLevel = level
	m.levelKnown = true
	return true
}

// Observe applies the decision table to a debounced reading.
// fire is true when the reading starts (or, with ResendRepeat, repeats)
// a runout response; actions may then be empty if nothing is configured.
// Call Acknowledge once the actions have succeeded.
func (m *Machine) Observe(s State) (actions []Action, fire bool) {
	switch s {
	case StateAbsent:
		if m.notified && m.policy.Resend == ResendOnce {
			return nil, false
		}
		m.lastAnnounced = StateAbsent
		if m.policy.PauseOnAbsent {
			actions = append(actions, Action{Type: ActionPause})
		}
		if len(m.policy.RecoveryGcode) > 0 {
			cmds := make([]string, len(m.policy.RecoveryGcode))
			copy(cmds, m.policy.RecoveryGcode)
			actions = append(actions, Action{Type: ActionSendGcode, Commands: cmds})
		}
		return actions, true

	case StatePresent:
		m.lastAnnounced = StatePresent
		m.notified = false
		return nil, false
	}

	// UNKNOWN never triggers anything.
	return nil, false
}

// Acknowledge marks the current absence episode as handled. With
// ResendRepeat the episode stays open so the next reading fires again.
func (m *Machine) Acknowledge() {
	if m.lastAnnounced != StateAbsent {
		return
	}
	m.notified = m.policy.Resend == ResendOnce
}

// LastAnnounced returns the state of the last acted-upon transition.
func (m *Machine) LastAnnounced() State {
	return m.lastAnnounced
}

// Notified reports whether the current absence episode has been handled.
func (m *Machine) Notified() bool {
	return m.notified
}
