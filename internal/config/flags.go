package config

import (
	"time"

	"github.com/jessevdk/go-flags"
)

// Options are the command-line flags. Pointer fields are nil unless the
// flag was given; set flags override the config file.
type Options struct {
	Config     string         `short:"c" long:"config" env:"FILAMENT_SENSOR_CONFIG" description:"YAML config file"`
	LogLevel   *string        `long:"log-level" description:"log level (debug, info, warn, error)"`
	Pin        *int           `long:"pin" description:"sensor pin, -1 disables the sensor"`
	PinMode    *string        `long:"pin-mode" description:"pin numbering (bcm or board)"`
	Debounce   *time.Duration `long:"debounce" description:"debounce window"`
	Broker     *string        `long:"broker" description:"MQTT broker address (empty disables MQTT)"`
	HTTP       *string        `long:"http" description:"HTTP status address (empty disables)"`
	PrinterURL *string        `long:"printer-url" description:"moonraker or octoprint URL"`
	PrintState bool           `long:"print-state" description:"print the current reading and exit"`
}

// ParseArgs parses command-line arguments (without the program name).
// A help request is returned as a *flags.Error of type flags.ErrHelp.
func ParseArgs(args []string) (Options, error) {
	var opts Options
	parser := flags.NewParser(&opts, flags.HelpFlag|flags.PassDoubleDash)
	parser.Name = "filament-sensor"
	if _, err := parser.ParseArgs(args); err != nil {
		return Options{}, err
	}
	return opts, nil
}

// IsHelp reports whether err is a help request from ParseArgs.
func IsHelp(err error) bool {
	fe, ok := err.(*flags.Error)
	return ok && fe.Type == flags.ErrHelp
}

// Apply merges the set flags into cfg.
func (o Options) Apply(cfg *Config) {
	if o.LogLevel != nil {
		cfg.Logging.Level = *o.LogLevel
	}
	if o.Pin != nil {
		cfg.Sensor.Pin = *o.Pin
	}
	if o.PinMode != nil {
		cfg.Sensor.PinMode = *o.PinMode
	}
	if o.Debounce != nil {
		cfg.Sensor.DebounceMs = int(o.Debounce.Milliseconds())
	}
	if o.Broker != nil {
		cfg.MQTT.Broker = *o.Broker
	}
	if o.HTTP != nil {
		cfg.HTTP.Addr = *o.HTTP
	}
	if o.PrinterURL != nil {
		cfg.Printer.URL = *o.PrinterURL
	}
}

// Resolve loads the config file named by the options, applies the flag
// overrides and validates the result. It is used at startup and on reload.
func (o Options) Resolve() (Config, error) {
	cfg, err := Load(o.Config)
	if err != nil {
		return Config{}, err
	}
	o.Apply(&cfg)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
