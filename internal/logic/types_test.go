package logic

import "testing"

func TestStateFromLevel(t *testing.T) {
	tests := []struct {
		level, absentLevel int
		want               State
	}{
		{1, 1, StateAbsent},
		{0, 1, StatePresent},
		{0, 0, StateAbsent},
		{1, 0, StatePresent},
		{-1, 1, StateUnknown},
		{2, 1, StateUnknown},
	}
	for _, tt := range tests {
		if got := StateFromLevel(tt.level, tt.absentLevel); got != tt.want {
			t.Errorf("StateFromLevel(%d, %d): got %s, want %s", tt.level, tt.absentLevel, got, tt.want)
		}
	}
}

func TestUIStatus(t *testing.T) {
	want := map[State]string{
		StatePresent:  "present",
		StateAbsent:   "empty",
		StateUnknown:  "unknown",
		StateDisabled: "unknown",
		State(""):     "unknown",
	}
	for s, w := range want {
		if got := s.UIStatus(); got != w {
			t.Errorf("%q.UIStatus(): got %q, want %q", s, got, w)
		}
	}
}

func TestParseResendPolicy(t *testing.T) {
	for in, want := range map[string]ResendPolicy{"once": ResendOnce, "repeat": ResendRepeat, "": ResendOnce} {
		got, err := ParseResendPolicy(in)
		if err != nil {
			t.Errorf("ParseResendPolicy(%q): unexpected error: %v", in, err)
		}
		if got != want {
			t.Errorf("ParseResendPolicy(%q): got %q, want %q", in, got, want)
		}
	}

	if _, err := ParseResendPolicy("always"); err == nil {
		t.Error("expected error for unknown policy")
	}
}
