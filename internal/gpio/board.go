package gpio

import "fmt"

// PinMode selects how configured pin numbers are interpreted.
type PinMode string

const (
	ModeBCM   PinMode = "bcm"   // Broadcom line offsets, used by the character device
	ModeBoard PinMode = "board" // physical header positions 1-40
)

// boardToBCM maps physical 40-pin header positions to BCM line offsets.
// Power and ground positions are absent.
var boardToBCM = map[int]int{
	3: 2, 5: 3, 7: 4, 8: 14, 10: 15, 11: 17, 12: 18, 13: 27,
	15: 22, 16: 23, 18: 24, 19: 10, 21: 9, 22: 25, 23: 11, 24: 8,
	26: 7, 27: 0, 28: 1, 29: 5, 31: 6, 32: 12, 33: 13, 35: 19,
	36: 16, 37: 26, 38: 20, 40: 21,
}

// ResolvePin converts pin in the given mode to a BCM line offset.
// DisabledPin passes through unchanged.
func ResolvePin(pin int, mode PinMode) (int, error) {
	if pin == DisabledPin {
		return pin, nil
	}
	switch mode {
	case ModeBCM, "":
		if pin < 0 || pin > 27 {
			return 0, fmt.Errorf("bcm pin %d out of range", pin)
		}
		return pin, nil
	case ModeBoard:
		bcm, ok := boardToBCM[pin]
		if !ok {
			return 0, fmt.Errorf("board pin %d is not a gpio line", pin)
		}
		return bcm, nil
	default:
		return 0, fmt.Errorf("unknown pin mode %q", mode)
	}
}
