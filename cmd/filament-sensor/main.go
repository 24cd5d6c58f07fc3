// Command filament-sensor watches a filament runout switch on a GPIO line
// and pauses the print job when the filament runs out.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/sweeney/filament-sensor/internal/config"
	"github.com/sweeney/filament-sensor/internal/gpio"
	"github.com/sweeney/filament-sensor/internal/jobctl"
	"github.com/sweeney/filament-sensor/internal/mqtt"
	"github.com/sweeney/filament-sensor/internal/presence"
	"github.com/sweeney/filament-sensor/internal/sensor"
	"github.com/sweeney/filament-sensor/internal/status"
	"github.com/sweeney/filament-sensor/internal/web"
)

func main() {
	opts, err := config.ParseArgs(os.Args[1:])
	if err != nil {
		if config.IsHelp(err) {
			fmt.Println(err)
			return
		}
		log.Fatalf("fatal: %v", err)
	}
	if err := run(opts); err != nil {
		log.Fatalf("fatal: %v", err)
	}
}

func run(opts config.Options) error {
	cfg, err := opts.Resolve()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := setupLogging(cfg.Logging.Level); err != nil {
		return err
	}
	sc, err := cfg.MonitorConfig()
	if err != nil {
		return err
	}

	dev, err := gpio.NewRealDevice(cfg.Sensor.Chip)
	if err != nil {
		return fmt.Errorf("init gpio: %w", err)
	}
	defer dev.Close()
	reader := presence.NewReader(dev)

	if opts.PrintState {
		return printState(os.Stdout, reader, sc.Presence())
	}

	tracker := status.NewTracker(time.Now(), cfg.StatusConfig())
	if net := readNetworkInfo(); net != nil {
		tracker.SetNetwork(net)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)
	d := &daemon{opts: opts, tracker: tracker, ctx: gctx}

	ctl, runCtl, err := newController(cfg, d.handleJobEvent)
	if err != nil {
		return fmt.Errorf("init printer: %w", err)
	}
	if c, ok := ctl.(io.Closer); ok {
		defer c.Close()
	}

	var pub *mqtt.RealPublisher
	if cfg.MQTT.Broker != "" {
		pub, err = mqtt.NewRealPublisher(mqtt.Options{
			Broker:             cfg.MQTT.Broker,
			ClientID:           cfg.MQTT.ClientID,
			Prefix:             cfg.MQTT.Prefix,
			Username:           cfg.MQTT.Username,
			Password:           cfg.MQTT.Password,
			OnConnectionChange: tracker.SetMQTTConnected,
		})
		if err != nil {
			return fmt.Errorf("init mqtt: %w", err)
		}
		defer pub.Close()
		tracker.SetMQTTConnected(pub.IsConnected())
	}

	hub := web.NewHub()
	sinks := status.MultiSink{status.LogSink{}, hub}
	if pub != nil {
		sinks = append(sinks, pub)
	}

	d.monitor = sensor.New(reader, ctl, sensor.WithNotifier(sinks))
	defer d.monitor.Close()
	tracker.SetSource(d.monitor)
	if m, ok := ctl.(*jobctl.Moonraker); ok {
		m.OnConnect(func() { d.sync(d.ctx) })
	}
	if err := d.monitor.Reconfigure(sc); err != nil {
		log.WithError(err).Warn("sensor disabled")
	}
	d.publisher = status.NewPublisher(reader, sinks, sc.StatusInterval)

	if pub != nil {
		publishSystem(pub, tracker, "STARTUP", "")
		if cfg.MQTT.JobEvents {
			if err := pub.SubscribeJobEvents(d.handleJobEvent); err != nil {
				log.WithError(err).Warn("mqtt: job event subscription failed")
			}
		}
	}

	if runCtl != nil {
		g.Go(func() error { return runCtl(gctx) })
	} else {
		go d.sync(gctx)
	}
	g.Go(func() error { return d.publisher.Run(gctx) })
	g.Go(func() error { return hub.Run(gctx) })
	if pub != nil && cfg.MQTT.HeartbeatMs > 0 {
		interval := time.Duration(cfg.MQTT.HeartbeatMs) * time.Millisecond
		refresh := func() {
			tracker.SetMQTTConnected(pub.IsConnected())
			if net := readNetworkInfo(); net != nil {
				tracker.SetNetwork(net)
			}
			if m, ok := ctl.(*jobctl.Moonraker); ok {
				tracker.SetPrinterConnected(m.Connected())
			}
		}
		g.Go(func() error { return heartbeatLoop(gctx, pub, tracker, interval, refresh) })
	}

	if cfg.HTTP.Addr != "" {
		srv := web.New(cfg.HTTP.Addr, tracker,
			web.WithHub(hub),
			web.WithJobHandler(d.monitor.HandleJobEvent),
			web.WithReloader(d.reload),
		)
		g.Go(func() error {
			log.Infof("http status server listening on %s", cfg.HTTP.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("http server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
			defer done()
			return srv.Shutdown(shutdownCtx)
		})
	}

	log.WithFields(log.Fields{
		"pin":      sc.Pin,
		"debounce": sc.Debounce,
		"printer":  cfg.Printer.Kind,
		"broker":   cfg.MQTT.Broker,
	}).Info("started")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigCh)

	g.Go(func() error {
		reason := waitForShutdown(gctx, sigCh, d.reload)
		if pub != nil {
			tracker.SetMQTTConnected(pub.IsConnected())
			publishSystem(pub, tracker, "SHUTDOWN", reason)
		}
		cancel()
		return nil
	})

	return g.Wait()
}

// daemon holds the components that reload and job events reach.
type daemon struct {
	opts      config.Options
	tracker   *status.Tracker
	monitor   *sensor.Monitor
	publisher *status.Publisher

	ctx      context.Context
	reloadMu sync.Mutex
}

// handleJobEvent applies a lifecycle event from the printer host or MQTT.
func (d *daemon) handleJobEvent(ev jobctl.Event) {
	ctx := d.ctx
	if ctx == nil {
		ctx = context.Background()
	}
	if err := d.monitor.HandleJobEvent(ctx, ev); err != nil {
		log.WithError(err).Warnf("job event %s", ev)
	}
}

// sync arms the monitor if a job is already running.
func (d *daemon) sync(ctx context.Context) {
	err := d.monitor.Sync(ctx)
	d.tracker.SetPrinterConnected(err == nil)
	if err != nil {
		log.WithError(err).Warn("printer state unknown")
	}
}

// reload re-reads the config file and applies the sensor settings.
// Printer, MQTT and HTTP settings take effect on restart.
func (d *daemon) reload() error {
	d.reloadMu.Lock()
	defer d.reloadMu.Unlock()

	cfg, err := d.opts.Resolve()
	if err != nil {
		return err
	}
	sc, err := cfg.MonitorConfig()
	if err != nil {
		return err
	}
	if err := d.monitor.Reconfigure(sc); err != nil && !errors.Is(err, presence.ErrSensorUnavailable) {
		return err
	} else if err != nil {
		log.WithError(err).Warn("sensor disabled after reload")
	}
	d.publisher.SetInterval(sc.StatusInterval)
	d.tracker.SetConfig(cfg.StatusConfig())
	if err := setupLogging(cfg.Logging.Level); err != nil {
		return err
	}
	log.Info("config reloaded")
	return nil
}

// newController builds the job controller for the configured printer. run
// is non-nil when the controller keeps a connection that must be serviced.
func newController(cfg config.Config, onEvent jobctl.EventHandler) (ctl jobctl.Controller, run func(context.Context) error, err error) {
	p := cfg.Printer
	switch p.Kind {
	case config.PrinterMoonraker:
		m := jobctl.NewMoonraker(p.URL, onEvent)
		return m, m.Run, nil
	case config.PrinterOctoPrint:
		return jobctl.NewOctoPrint(p.URL, p.APIKey), nil, nil
	case config.PrinterSerial:
		pause, cancel := cfg.SerialCommands()
		s, err := jobctl.OpenSerial(p.Device, p.Baud, pause, cancel)
		if err != nil {
			return nil, nil, err
		}
		return s, nil, nil
	}
	return nil, nil, fmt.Errorf("unknown printer kind %q", p.Kind)
}

func setupLogging(level string) error {
	lvl, err := log.ParseLevel(level)
	if err != nil {
		return fmt.Errorf("log level: %w", err)
	}
	log.SetLevel(lvl)
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	return nil
}

// waitForShutdown handles signals until SIGINT or SIGTERM and returns the
// shutdown reason. SIGHUP reloads the configuration.
func waitForShutdown(ctx context.Context, sig <-chan os.Signal, reload func() error) string {
	for {
		select {
		case <-ctx.Done():
			return "ERROR"
		case s := <-sig:
			if s == syscall.SIGHUP {
				log.Info("received SIGHUP, reloading config")
				if err := reload(); err != nil {
					log.WithError(err).Error("reload failed, keeping previous config")
				}
				continue
			}
			log.Infof("received %v, shutting down", s)
			return signalName(s)
		}
	}
}

func signalName(s os.Signal) string {
	switch s {
	case syscall.SIGINT:
		return "SIGINT"
	case syscall.SIGTERM:
		return "SIGTERM"
	}
	return "UNKNOWN"
}

// publishSystem publishes a system event carrying the full status snapshot.
func publishSystem(pub mqtt.Publisher, tracker *status.Tracker, event, reason string) {
	snap := tracker.Snapshot()
	err := pub.PublishSystem(mqtt.SystemEvent{
		Timestamp:  snap.Now,
		Event:      event,
		Reason:     reason,
		Retained:   true,
		RawPayload: status.FormatStatusEvent(snap, event, reason),
	})
	if err != nil {
		log.WithError(err).Warnf("failed to publish %s event", event)
		return
	}
	log.Debugf("published %s event", event)
}

// heartbeatLoop publishes a HEARTBEAT system event every interval. refresh,
// if set, updates the tracker before each snapshot.
func heartbeatLoop(ctx context.Context, pub mqtt.Publisher, tracker *status.Tracker, interval time.Duration, refresh func()) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if refresh != nil {
				refresh()
			}
			snap := tracker.Snapshot()
			err := pub.PublishSystem(mqtt.SystemEvent{
				Timestamp:  snap.Now,
				Event:      "HEARTBEAT",
				RawPayload: status.FormatStatusEvent(snap, "HEARTBEAT", ""),
			})
			if err != nil {
				log.WithError(err).Warn("heartbeat publish error")
			}
		}
	}
}

// printState reads the sensor once and prints the result.
func printState(w io.Writer, reader *presence.Reader, cfg presence.Config) error {
	if !cfg.Enabled() {
		fmt.Fprintln(w, "filament: DISABLED (no pin configured)")
		return nil
	}
	if err := reader.Configure(cfg); err != nil {
		return fmt.Errorf("configure pin %d: %w", cfg.Pin, err)
	}
	s, err := reader.Sample()
	if err != nil {
		return fmt.Errorf("read pin %d: %w", cfg.Pin, err)
	}
	fmt.Fprintf(w, "filament: %s (pin %d level %d)\n", s.State, cfg.Pin, s.Level)
	return nil
}

// pi-helper env var names (written to /run/pi-helper.env).
const (
	envNetworkType       = "NETWORK_TYPE"
	envNetworkIP         = "NETWORK_IP"
	envNetworkStatus     = "NETWORK_STATUS"
	envNetworkGateway    = "NETWORK_GATEWAY"
	envNetworkWifiStatus = "NETWORK_WIFI_STATUS"
	envNetworkWifiSSID   = "NETWORK_WIFI_SSID"
)

func readNetworkInfo() *status.NetworkInfo {
	s := os.Getenv(envNetworkStatus)
	if s == "" {
		return nil
	}
	return &status.NetworkInfo{
		Type:       os.Getenv(envNetworkType),
		IP:         os.Getenv(envNetworkIP),
		Status:     s,
		Gateway:    os.Getenv(envNetworkGateway),
		WifiStatus: os.Getenv(envNetworkWifiStatus),
		SSID:       os.Getenv(envNetworkWifiSSID),
	}
}
