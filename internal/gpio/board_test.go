package gpio

import "testing"

func TestResolvePin(t *testing.T) {
	tests := []struct {
		pin     int
		mode    PinMode
		want    int
		wantErr bool
	}{
		{pin: 17, mode: ModeBCM, want: 17},
		{pin: 17, mode: "", want: 17},
		{pin: 11, mode: ModeBoard, want: 17},
		{pin: 37, mode: ModeBoard, want: 26},
		{pin: 40, mode: ModeBoard, want: 21},
		{pin: DisabledPin, mode: ModeBoard, want: DisabledPin},
		{pin: 1, mode: ModeBoard, wantErr: true}, // 3.3V
		{pin: 6, mode: ModeBoard, wantErr: true}, // ground
		{pin: 28, mode: ModeBCM, wantErr: true},
		{pin: 4, mode: "wiringpi", wantErr: true},
	}

	for _, tt := range tests {
		got, err := ResolvePin(tt.pin, tt.mode)
		if tt.wantErr {
			if err == nil {
				t.Errorf("ResolvePin(%d, %q): expected error", tt.pin, tt.mode)
			}
			continue
		}
		if err != nil {
			t.Errorf("ResolvePin(%d, %q): unexpected error: %v", tt.pin, tt.mode, err)
			continue
		}
		if got != tt.want {
			t.Errorf("ResolvePin(%d, %q): got %d, want %d", tt.pin, tt.mode, got, tt.want)
		}
	}
}
