// Package config loads the daemon configuration from a YAML file with
// command-line overrides.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/sweeney/filament-sensor/internal/gcode"
	"github.com/sweeney/filament-sensor/internal/gpio"
	"github.com/sweeney/filament-sensor/internal/jobctl"
	"github.com/sweeney/filament-sensor/internal/logic"
	"github.com/sweeney/filament-sensor/internal/mqtt"
	"github.com/sweeney/filament-sensor/internal/sensor"
	"github.com/sweeney/filament-sensor/internal/status"
)

// Printer kinds.
const (
	PrinterMoonraker = "moonraker"
	PrinterOctoPrint = "octoprint"
	PrinterSerial    = "serial"
)

// Config is the top-level YAML configuration.
type Config struct {
	Sensor  SensorConfig  `yaml:"sensor"`
	Printer PrinterConfig `yaml:"printer"`
	MQTT    MQTTConfig    `yaml:"mqtt"`
	HTTP    HTTPConfig    `yaml:"http"`
	Logging LoggingConfig `yaml:"logging"`
}

type SensorConfig struct {
	Chip        string `yaml:"chip"`
	Pin         int    `yaml:"pin"` // -1 disables the sensor
	PinMode     string `yaml:"pin_mode"`
	Bias        string `yaml:"bias"`
	AbsentLevel int    `yaml:"absent_level"` // raw level with no filament loaded
	DebounceMs  int    `yaml:"debounce_ms"`

	Resend                string `yaml:"resend"`
	PauseOnAbsent         bool   `yaml:"pause_on_absent"`
	AbortOnStartIfAbsent  bool   `yaml:"abort_on_start_if_absent"`
	PauseOnResumeIfAbsent bool   `yaml:"pause_on_resume_if_absent"`
	MonitorWhilePaused    bool   `yaml:"monitor_while_paused"`

	RecoveryGcode GcodeLines `yaml:"recovery_gcode"`

	StatusIntervalMs int `yaml:"status_interval_ms"` // 0 disables the status publisher
	PollIntervalMs   int `yaml:"poll_interval_ms"`
	ActionTimeoutMs  int `yaml:"action_timeout_ms"`
}

type PrinterConfig struct {
	Kind   string `yaml:"kind"`
	URL    string `yaml:"url"`     // moonraker websocket or octoprint base URL
	APIKey string `yaml:"api_key"` // octoprint only

	// Marlin serial link.
	Device      string     `yaml:"device"`
	Baud        int        `yaml:"baud"`
	PauseGcode  GcodeLines `yaml:"pause_gcode"`
	CancelGcode GcodeLines `yaml:"cancel_gcode"`
}

type MQTTConfig struct {
	Broker      string `yaml:"broker"` // empty disables MQTT
	ClientID    string `yaml:"client_id"`
	Prefix      string `yaml:"prefix"`
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	JobEvents   bool   `yaml:"job_events"` // follow octoPrint/event/+
	HeartbeatMs int    `yaml:"heartbeat_ms"`
}

type HTTPConfig struct {
	Addr string `yaml:"addr"` // empty disables the status server
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}

// GcodeLines accepts either a YAML list or a newline-separated string.
type GcodeLines []string

// UnmarshalYAML implements yaml.Unmarshaler.
func (g *GcodeLines) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case yaml.ScalarNode:
		*g = gcode.SplitLines(value.Value)
		return nil
	case yaml.SequenceNode:
		var lines []string
		if err := value.Decode(&lines); err != nil {
			return err
		}
		*g = gcode.Clean(lines)
		return nil
	}
	return fmt.Errorf("line %d: gcode must be a string or a list", value.Line)
}

// Default returns a fully-populated Config.
func Default() Config {
	sc := sensor.DefaultConfig()
	return Config{
		Sensor: SensorConfig{
			Chip:                  gpio.DefaultChip,
			Pin:                   gpio.DisabledPin,
			PinMode:               string(gpio.ModeBCM),
			Bias:                  string(sc.Bias),
			AbsentLevel:           sc.AbsentLevel,
			DebounceMs:            int(sc.Debounce.Milliseconds()),
			Resend:                string(sc.Resend),
			PauseOnAbsent:         sc.PauseOnAbsent,
			AbortOnStartIfAbsent:  sc.AbortOnStartIfAbsent,
			PauseOnResumeIfAbsent: sc.PauseOnResumeIfAbsent,
			MonitorWhilePaused:    sc.MonitorWhilePaused,
			StatusIntervalMs:      int(sc.StatusInterval.Milliseconds()),
			PollIntervalMs:        int(sc.PollInterval.Milliseconds()),
			ActionTimeoutMs:       int(sc.ActionTimeout.Milliseconds()),
		},
		Printer: PrinterConfig{
			Kind: PrinterMoonraker,
			URL:  "ws://127.0.0.1:7125/websocket",
			Baud: 115200,
		},
		MQTT: MQTTConfig{
			ClientID:    "filament-sensor",
			Prefix:      mqtt.DefaultPrefix,
			HeartbeatMs: int((15 * time.Minute).Milliseconds()),
		},
		HTTP: HTTPConfig{
			Addr: ":8080",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load reads path on top of the defaults. An empty path returns the
// defaults unchanged.
func Load(path string) (Config, error) {
	if path == "" {
		return Default(), nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config file: %w", err)
	}
	return Parse(b)
}

// Parse decodes a YAML document on top of the defaults. Unknown fields
// are rejected.
func Parse(b []byte) (Config, error) {
	cfg := Default()

	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("decode config yaml: %w", err)
	}
	var extra yaml.Node
	if err := dec.Decode(&extra); err == nil {
		return Config{}, fmt.Errorf("decode config yaml: unexpected trailing document")
	}
	return cfg, nil
}

// Validate checks ranges and names.
func (c Config) Validate() error {
	s := c.Sensor
	if _, err := gpio.ResolvePin(s.Pin, gpio.PinMode(s.PinMode)); err != nil {
		return fmt.Errorf("sensor.pin: %w", err)
	}
	switch gpio.Bias(s.Bias) {
	case gpio.BiasPullUp, gpio.BiasPullDown, gpio.BiasDisabled:
	default:
		return fmt.Errorf("sensor.bias: unknown bias %q", s.Bias)
	}
	if s.AbsentLevel != 0 && s.AbsentLevel != 1 {
		return fmt.Errorf("sensor.absent_level: must be 0 or 1, got %d", s.AbsentLevel)
	}
	if s.DebounceMs < 0 {
		return fmt.Errorf("sensor.debounce_ms: must be >= 0")
	}
	if s.StatusIntervalMs < 0 {
		return fmt.Errorf("sensor.status_interval_ms: must be >= 0")
	}
	if s.PollIntervalMs <= 0 {
		return fmt.Errorf("sensor.poll_interval_ms: must be > 0")
	}
	if s.ActionTimeoutMs <= 0 {
		return fmt.Errorf("sensor.action_timeout_ms: must be > 0")
	}
	if _, err := logic.ParseResendPolicy(s.Resend); err != nil {
		return fmt.Errorf("sensor.resend: %w", err)
	}

	p := c.Printer
	switch p.Kind {
	case PrinterMoonraker, PrinterOctoPrint:
		if p.URL == "" {
			return fmt.Errorf("printer.url: required for %s", p.Kind)
		}
	case PrinterSerial:
		if p.Device == "" {
			return errors.New("printer.device: required for serial")
		}
		if p.Baud <= 0 {
			return fmt.Errorf("printer.baud: must be > 0")
		}
	default:
		return fmt.Errorf("printer.kind: unknown kind %q (must be moonraker, octoprint or serial)", p.Kind)
	}

	if c.MQTT.HeartbeatMs < 0 {
		return fmt.Errorf("mqtt.heartbeat_ms: must be >= 0")
	}
	if _, err := log.ParseLevel(c.Logging.Level); err != nil {
		return fmt.Errorf("logging.level: %w", err)
	}
	return nil
}

// MonitorConfig converts the sensor section, resolving board pin numbers to
// BCM line offsets.
func (c Config) MonitorConfig() (sensor.Config, error) {
	s := c.Sensor
	pin, err := gpio.ResolvePin(s.Pin, gpio.PinMode(s.PinMode))
	if err != nil {
		return sensor.Config{}, fmt.Errorf("sensor.pin: %w", err)
	}
	resend, err := logic.ParseResendPolicy(s.Resend)
	if err != nil {
		return sensor.Config{}, fmt.Errorf("sensor.resend: %w", err)
	}
	return sensor.Config{
		Pin:                   pin,
		Bias:                  gpio.Bias(s.Bias),
		AbsentLevel:           s.AbsentLevel,
		Debounce:              ms(s.DebounceMs),
		Resend:                resend,
		PauseOnAbsent:         s.PauseOnAbsent,
		AbortOnStartIfAbsent:  s.AbortOnStartIfAbsent,
		PauseOnResumeIfAbsent: s.PauseOnResumeIfAbsent,
		MonitorWhilePaused:    s.MonitorWhilePaused,
		RecoveryGcode:         []string(s.RecoveryGcode),
		StatusInterval:        ms(s.StatusIntervalMs),
		PollInterval:          ms(s.PollIntervalMs),
		ActionTimeout:         ms(s.ActionTimeoutMs),
	}, nil
}

// StatusConfig returns the configuration shown on the status endpoints.
func (c Config) StatusConfig() status.Config {
	url := c.Printer.URL
	if c.Printer.Kind == PrinterSerial {
		url = c.Printer.Device
	}
	return status.Config{
		Pin:              c.Sensor.Pin,
		PinMode:          c.Sensor.PinMode,
		DebounceMs:       int64(c.Sensor.DebounceMs),
		StatusIntervalMs: int64(c.Sensor.StatusIntervalMs),
		Resend:           c.Sensor.Resend,
		PauseOnAbsent:    c.Sensor.PauseOnAbsent,
		Printer:          c.Printer.Kind,
		PrinterURL:       url,
		Broker:           c.MQTT.Broker,
		HTTPAddr:         c.HTTP.Addr,
	}
}

// SerialCommands returns the pause and cancel scripts for a serial
// printer, falling back to the Marlin defaults.
func (c Config) SerialCommands() (pause, cancel []string) {
	pause, cancel = c.Printer.PauseGcode, c.Printer.CancelGcode
	if len(pause) == 0 {
		pause = jobctl.DefaultSerialPause
	}
	if len(cancel) == 0 {
		cancel = jobctl.DefaultSerialCancel
	}
	return pause, cancel
}

func ms(n int) time.Duration {
	return time.Duration(n) * time.Millisecond
}
