package jobctl

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	log "github.com/sirupsen/logrus"
	"github.com/tarm/serial"
)

// Marlin SD print control defaults.
var (
	DefaultSerialPause  = []string{"M25"}
	DefaultSerialCancel = []string{"M524"}
)

const serialLineQueue = 64

// Serial controls a Marlin printer printing from SD over its USB serial
// port. Every command waits for the firmware's "ok".
type Serial struct {
	port   io.ReadWriteCloser
	pause  []string
	cancel []string

	mu    sync.Mutex // one exchange at a time
	lines chan string

	done      chan struct{}
	closeOnce sync.Once
}

// OpenSerial opens the serial device at name.
func OpenSerial(name string, baud int, pause, cancel []string) (*Serial, error) {
	port, err := serial.OpenPort(&serial.Config{Name: name, Baud: baud})
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", name, err)
	}
	log.Infof("serial: opened %s at %d baud", name, baud)
	return NewSerial(port, pause, cancel), nil
}

// NewSerial wraps an already open port. Empty pause or cancel sequences
// fall back to the Marlin defaults.
func NewSerial(port io.ReadWriteCloser, pause, cancel []string) *Serial {
	if len(pause) == 0 {
		pause = DefaultSerialPause
	}
	if len(cancel) == 0 {
		cancel = DefaultSerialCancel
	}
	s := &Serial{
		port:   port,
		pause:  pause,
		cancel: cancel,
		lines:  make(chan string, serialLineQueue),
		done:   make(chan struct{}),
	}
	go s.readLoop()
	return s
}

// PausePrint sends the pause sequence.
func (s *Serial) PausePrint(ctx context.Context) error {
	_, err := s.send(ctx, s.pause)
	return opError(OpPause, err)
}

// CancelPrint sends the cancel sequence.
func (s *Serial) CancelPrint(ctx context.Context) error {
	_, err := s.send(ctx, s.cancel)
	return opError(OpCancel, err)
}

// SendCommands sends each line and waits for its acknowledgement.
func (s *Serial) SendCommands(ctx context.Context, commands []string) error {
	_, err := s.send(ctx, commands)
	return opError(OpCommands, err)
}

// IsPrinting asks for the SD print status with M27.
func (s *Serial) IsPrinting(ctx context.Context) (bool, error) {
	resp, err := s.send(ctx, []string{"M27"})
	if err != nil {
		return false, opError(OpIsPrinting, err)
	}
	return sdPrinting(resp), nil
}

// Close closes the port.
func (s *Serial) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		err = s.port.Close()
	})
	return err
}

func (s *Serial) readLoop() {
	defer close(s.lines)
	sc := bufio.NewScanner(s.port)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		select {
		case s.lines <- line:
		case <-s.done:
			return
		}
	}
	if err := sc.Err(); err != nil {
		log.WithError(err).Warn("serial: read failed")
	}
}

func (s *Serial) send(ctx context.Context, commands []string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.drain()
	var out []string
	for _, cmd := range commands {
		resp, err := s.exchange(ctx, cmd)
		if err != nil {
			return out, err
		}
		out = append(out, resp...)
	}
	return out, nil
}

// drain discards unsolicited output received since the last exchange.
func (s *Serial) drain() {
	for {
		select {
		case _, ok := <-s.lines:
			if !ok {
				return
			}
		default:
			return
		}
	}
}

func (s *Serial) exchange(ctx context.Context, cmd string) ([]string, error) {
	if _, err := io.WriteString(s.port, cmd+"\n"); err != nil {
		return nil, fmt.Errorf("write %q: %w", cmd, err)
	}

	var (
		resp   []string
		failed string
	)
	for {
		select {
		case <-ctx.Done():
			return resp, ctx.Err()
		case line, ok := <-s.lines:
			if !ok {
				return resp, ErrNotConnected
			}
			switch {
			case strings.HasPrefix(line, "ok"):
				if failed != "" {
					return resp, fmt.Errorf("%s: %s", cmd, failed)
				}
				return resp, nil
			case strings.HasPrefix(line, "Error:"):
				failed = strings.TrimPrefix(line, "Error:")
			case strings.HasPrefix(line, "echo:busy"):
			default:
				resp = append(resp, line)
			}
		}
	}
}

// sdPrinting interprets an M27 report.
func sdPrinting(resp []string) bool {
	for _, line := range resp {
		if strings.HasPrefix(line, "SD printing byte") {
			return true
		}
	}
	return false
}
