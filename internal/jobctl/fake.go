package jobctl

import (
	"context"
	"sync"
)

// Call is a single recorded controller invocation.
type Call struct {
	Op       string
	Commands []string
}

// Fake records controller calls for test assertions. It is safe for
// concurrent use.
type Fake struct {
	mu    sync.Mutex
	calls []Call

	// Printing controls the return value of IsPrinting.
	Printing bool

	// PauseError, CancelError and CommandsError, if set, are returned by
	// the matching method after the call is recorded.
	PauseError    error
	CancelError   error
	CommandsError error

	// IsPrintingError, if set, is returned by IsPrinting.
	IsPrintingError error
}

// NewFake creates a Fake controller.
func NewFake() *Fake {
	return &Fake{}
}

// CancelPrint records a cancel.
func (f *Fake) CancelPrint(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, Call{Op: OpCancel})
	return opError(OpCancel, f.CancelError)
}

// PausePrint records a pause.
func (f *Fake) PausePrint(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, Call{Op: OpPause})
	return opError(OpPause, f.PauseError)
}

// SendCommands records the commands.
func (f *Fake) SendCommands(ctx context.Context, commands []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cmds := make([]string, len(commands))
	copy(cmds, commands)
	f.calls = append(f.calls, Call{Op: OpCommands, Commands: cmds})
	return opError(OpCommands, f.CommandsError)
}

// IsPrinting returns Printing.
func (f *Fake) IsPrinting(ctx context.Context) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.IsPrintingError != nil {
		return false, opError(OpIsPrinting, f.IsPrintingError)
	}
	return f.Printing, nil
}

// Calls returns a copy of all recorded calls.
func (f *Fake) Calls() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Call, len(f.calls))
	copy(out, f.calls)
	return out
}

// Ops returns the operation names of all recorded calls in order.
func (f *Fake) Ops() []string {
	calls := f.Calls()
	ops := make([]string, len(calls))
	for i, c := range calls {
		ops[i] = c.Op
	}
	return ops
}

// Count returns how many calls of op were recorded.
func (f *Fake) Count(op string) int {
	n := 0
	for _, c := range f.Calls() {
		if c.Op == op {
			n++
		}
	}
	return n
}

// Reset clears recorded calls and injected errors.
func (f *Fake) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = nil
	f.PauseError = nil
	f.CancelError = nil
	f.CommandsError = nil
	f.IsPrintingError = nil
}
