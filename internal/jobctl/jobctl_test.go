package jobctl

import (
	"context"
	"errors"
	"testing"
)

func TestParseEvent(t *testing.T) {
	tests := map[string]Event{
		"started":        EventStarted,
		"PrintStarted":   EventStarted,
		" printresumed ": EventResumed,
		"PrintPaused":    EventPaused,
		"PrintDone":      EventDone,
		"PrintFailed":    EventFailed,
		"PrintCancelled": EventCancelled,
		"Error":          EventErrored,
		"errored":        EventErrored,
	}
	for in, want := range tests {
		got, err := ParseEvent(in)
		if err != nil {
			t.Errorf("ParseEvent(%q): unexpected error: %v", in, err)
			continue
		}
		if got != want {
			t.Errorf("ParseEvent(%q): got %s, want %s", in, got, want)
		}
	}

	if _, err := ParseEvent("PrintStalled"); err == nil {
		t.Error("expected error for unknown event")
	}
}

func TestTerminal(t *testing.T) {
	for _, e := range []Event{EventDone, EventFailed, EventCancelled, EventErrored} {
		if !e.Terminal() {
			t.Errorf("%s should be terminal", e)
		}
	}
	for _, e := range []Event{EventStarted, EventResumed, EventPaused} {
		if e.Terminal() {
			t.Errorf("%s should not be terminal", e)
		}
	}
}

func TestFakeRecordsCalls(t *testing.T) {
	f := NewFake()
	ctx := context.Background()
	boom := errors.New("boom")
	f.PauseError = boom

	if err := f.PausePrint(ctx); !errors.Is(err, boom) {
		t.Errorf("PausePrint: got %v, want wrapped boom", err)
	}
	f.SendCommands(ctx, []string{"M117"})
	f.CancelPrint(ctx)

	want := []string{OpPause, OpCommands, OpCancel}
	got := f.Ops()
	if len(got) != len(want) {
		t.Fatalf("Ops: got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Ops[%d]: got %s, want %s", i, got[i], want[i])
		}
	}
	if f.Count(OpPause) != 1 {
		t.Errorf("Count(pause): got %d, want 1", f.Count(OpPause))
	}

	f.Reset()
	if len(f.Calls()) != 0 || f.PauseError != nil {
		t.Error("Reset should clear calls and errors")
	}
}
