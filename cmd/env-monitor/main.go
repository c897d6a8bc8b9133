// Command env-monitor samples a DHT11 temperature/humidity sensor, watches a
// flame sensor with a buzzer alarm, and publishes both to MQTT.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/sweeney/env-monitor/internal/config"
	"github.com/sweeney/env-monitor/internal/dht11"
	"github.com/sweeney/env-monitor/internal/flame"
	"github.com/sweeney/env-monitor/internal/gpio"
	"github.com/sweeney/env-monitor/internal/logger"
	"github.com/sweeney/env-monitor/internal/mqtt"
	"github.com/sweeney/env-monitor/internal/sampler"
	"github.com/sweeney/env-monitor/internal/sensor"
	"github.com/sweeney/env-monitor/internal/status"
)

const consumer = "env-monitor"

// flagKeys maps command-line flags onto configuration keys. Only flags set
// explicitly override the file and environment.
var flagKeys = map[string]string{
	"chip":       "gpio.chip",
	"dht-pin":    "dht.pin",
	"flame-pin":  "flame.pin",
	"buzzer-pin": "flame.buzzer_pin",
	"polarity":   "flame.polarity",
	"poll":       "flame.poll_interval",
	"sample":     "sample.schedule",
	"broker":     "mqtt.broker",
	"heartbeat":  "heartbeat",
	"log-level":  "log.level",
}

func main() {
	def := config.Default()
	configPath := flag.String("config", "", "YAML config file")
	flag.String("chip", def.GPIO.Chip, "GPIO character device")
	flag.Int("dht-pin", def.DHT.Pin, "BCM pin of the DHT11 data line")
	flag.Int("flame-pin", def.Flame.Pin, "BCM pin of the flame sensor")
	flag.Int("buzzer-pin", def.Flame.BuzzerPin, "BCM pin of the buzzer")
	flag.String("polarity", def.Flame.Polarity, `Flame sensor active level ("high" or "low")`)
	flag.Duration("poll", def.Flame.PollInterval, "Flame polling interval")
	flag.String("sample", def.Sample.Schedule, "Temperature sampling schedule (cron expression or duration)")
	flag.String("broker", def.MQTT.Broker, "MQTT broker address (empty to disable)")
	flag.Duration("heartbeat", def.Heartbeat, "Heartbeat interval (0 to disable)")
	flag.String("log-level", def.Log.Level, "Log level (debug, info, warn, error)")
	printState := flag.Bool("print-state", false, "Read both sensors once and exit")

	flag.Parse()

	overrides := map[string]any{}
	flag.Visit(func(f *flag.Flag) {
		if key, ok := flagKeys[f.Name]; ok {
			overrides[key] = f.Value.(flag.Getter).Get()
		}
	})

	cfg, err := config.Load(*configPath, overrides)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(2)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid config: %v\n", err)
		os.Exit(2)
	}

	log := logger.New(cfg.Log.Level)
	defer log.Sync()

	if err := run(cfg, *printState, log); err != nil {
		log.Fatal("fatal", zap.Error(err))
	}
}

func run(cfg config.Config, printOnly bool, log *zap.Logger) error {
	chip, err := gpio.NewRealChip(cfg.GPIO.Chip, consumer)
	if err != nil {
		return fmt.Errorf("init gpio: %w", err)
	}
	defer chip.Close()

	if printOnly {
		dht := dht11.New(chip, cfg.DHT.Pin, dht11.WithLogger(log))
		mon := flame.New(chip, cfg.MonitorConfig(), flame.WithLogger(log))
		return printState(context.Background(), os.Stdout, dht, mon)
	}

	var pub interface {
		mqtt.Publisher
		mqtt.ConnectionStatus
	} = mqtt.NopPublisher{}
	if cfg.MQTT.Broker != "" {
		rp, err := mqtt.NewRealPublisher(cfg.MQTT.Broker, cfg.MQTT.ClientID, log)
		if err != nil {
			return fmt.Errorf("init mqtt: %w", err)
		}
		pub = rp
	} else {
		log.Info("mqtt disabled")
	}
	defer pub.Close()

	var heartbeat <-chan time.Time
	if cfg.Heartbeat > 0 {
		ticker := time.NewTicker(cfg.Heartbeat)
		defer ticker.Stop()
		heartbeat = ticker.C
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	return serve(cfg, chip, pub, pub, log, heartbeat, sigCh)
}

// printState reads both sensors once. Both are attempted even if the first fails.
func printState(ctx context.Context, w io.Writer, ts sensor.TemperatureSensor, fd sensor.FireDetector) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var errs []error
	if r, err := ts.ReadContext(ctx); err != nil {
		fmt.Fprintf(w, "Climate: error: %v\n", err)
		errs = append(errs, fmt.Errorf("read dht11: %w", err))
	} else {
		fmt.Fprintf(w, "Temperature: %.0f°C, Humidity: %.0f%%\n", r.Temperature, r.Humidity)
	}

	if st, err := fd.ReadContext(ctx); err != nil {
		fmt.Fprintf(w, "Flame: error: %v\n", err)
		errs = append(errs, fmt.Errorf("read flame: %w", err))
	} else if at, ok := st.Timestamp(); ok {
		fmt.Fprintf(w, "Flame: DETECTED (at %d)\n", at)
	} else {
		fmt.Fprintln(w, "Flame: none")
	}
	return errors.Join(errs...)
}

// serve wires sensors, sampling and egress on chip and runs until a signal
// arrives or the flame monitor gives up.
func serve(cfg config.Config, chip gpio.Chip, pub mqtt.Publisher, conn mqtt.ConnectionStatus, log *zap.Logger, heartbeat <-chan time.Time, sig <-chan os.Signal) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	events := make(chan flame.Event, 32)
	mon := flame.New(chip, cfg.MonitorConfig(),
		flame.WithLogger(log),
		flame.WithHandler(func(e flame.Event) {
			select {
			case events <- e:
			default:
				log.Warn("flame event dropped", zap.String("event", string(e.Type)))
			}
		}))

	samples := make(chan sample, 8)
	dht := dht11.New(chip, cfg.DHT.Pin, dht11.WithLogger(log))
	samp, err := sampler.New(dht, cfg.SamplerConfig(),
		sampler.WithLogger(log),
		sampler.OnReading(func(r sensor.Reading, at time.Time) {
			select {
			case samples <- sample{reading: r, at: at}:
			case <-ctx.Done():
			}
		}),
		sampler.OnFailure(func(err error) {
			select {
			case samples <- sample{err: err}:
			case <-ctx.Done():
			}
		}))
	if err != nil {
		return fmt.Errorf("init sampler: %w", err)
	}

	tracker := status.NewTracker(time.Now(), status.Config{
		Chip:           cfg.GPIO.Chip,
		DHTPin:         cfg.DHT.Pin,
		FlamePin:       cfg.Flame.Pin,
		BuzzerPin:      cfg.Flame.BuzzerPin,
		Polarity:       cfg.Flame.Polarity,
		PollMs:         cfg.Flame.PollInterval.Milliseconds(),
		SampleSchedule: cfg.Sample.Schedule,
		HeartbeatMs:    cfg.Heartbeat.Milliseconds(),
		Broker:         cfg.MQTT.Broker,
	})
	if net := readNetworkInfo(); net != nil {
		tracker.SetNetwork(net)
	}

	if err := mon.StartMonitoring(cfg.Flame.PollInterval); err != nil {
		return fmt.Errorf("start flame monitor: %w", err)
	}
	tracker.SetMonitorState(mon.State(), nil)
	samp.Start(ctx)

	d := &daemon{
		pub:       pub,
		conn:      conn,
		tracker:   tracker,
		monitor:   mon,
		sampler:   samp,
		cancel:    cancel,
		events:    events,
		samples:   samples,
		flamePin:  cfg.Flame.Pin,
		dhtPin:    cfg.DHT.Pin,
		log:       log.Sugar(),
		now:       time.Now,
		stopGrace: 2 * time.Second,
	}
	d.publishStatus("STARTUP", "", true)
	log.Info("started",
		zap.String("chip", cfg.GPIO.Chip),
		zap.Int("dht_pin", cfg.DHT.Pin),
		zap.Int("flame_pin", cfg.Flame.Pin),
		zap.Int("buzzer_pin", cfg.Flame.BuzzerPin),
		zap.Duration("poll", cfg.Flame.PollInterval),
		zap.String("sample", cfg.Sample.Schedule),
		zap.String("broker", cfg.MQTT.Broker),
		zap.Duration("heartbeat", cfg.Heartbeat))

	return d.runLoop(heartbeat, sig)
}

// sample is a sampler outcome handed to the loop.
type sample struct {
	reading sensor.Reading
	at      time.Time
	err     error
}

type flameMonitor interface {
	StopMonitoring()
	Done() <-chan struct{}
	Err() error
	State() flame.State
	Alarms() int64
}

type stopper interface {
	Stop()
}

// daemon owns the event loop state. All fields are used from the loop
// goroutine only, apart from the thread-safe tracker.
type daemon struct {
	pub     mqtt.Publisher
	conn    mqtt.ConnectionStatus
	tracker *status.Tracker
	monitor flameMonitor
	sampler stopper
	cancel  context.CancelFunc // releases sampler callbacks blocked on samples
	events  <-chan flame.Event
	samples <-chan sample

	flamePin int
	dhtPin   int
	detected bool

	log       *zap.SugaredLogger
	now       func() time.Time
	stopGrace time.Duration
}

func (d *daemon) runLoop(heartbeat <-chan time.Time, sig <-chan os.Signal) error {
	for {
		select {
		case s := <-sig:
			d.log.Infof("received %v, shutting down", s)
			reason := "UNKNOWN"
			if s == syscall.SIGINT {
				reason = "SIGINT"
			} else if s == syscall.SIGTERM {
				reason = "SIGTERM"
			}
			d.shutdown()
			d.publishStatus("SHUTDOWN", reason, true)
			return nil

		case e := <-d.events:
			d.handleFlame(e)
			if e.Type == flame.EventStopped && e.Err != nil {
				d.stopSampling()
				d.publishStatus("SHUTDOWN", "FLAME_MONITOR_FAILED", true)
				return fmt.Errorf("flame monitor: %w", e.Err)
			}

		case s := <-d.samples:
			d.handleSample(s)

		case <-heartbeat:
			if net := readNetworkInfo(); net != nil {
				d.tracker.SetNetwork(net)
			}
			d.publishStatus("HEARTBEAT", "", false)
		}
	}
}

// shutdown stops sampling, then the monitor, waiting a bounded time for the
// monitor to finish its current burst and release its lines.
func (d *daemon) shutdown() {
	d.stopSampling()
	d.monitor.StopMonitoring()
	select {
	case <-d.monitor.Done():
	case <-time.After(d.stopGrace):
		d.log.Warn("flame monitor did not stop in time")
	}

	// Publish whatever the monitor reported on its way out, STOPPED included.
	for drained := false; !drained; {
		select {
		case e := <-d.events:
			d.handleFlame(e)
		default:
			drained = true
		}
	}
	d.tracker.SetMonitorState(d.monitor.State(), d.monitor.Err())
}

func (d *daemon) stopSampling() {
	if d.cancel != nil {
		d.cancel()
	}
	d.sampler.Stop()
}

func (d *daemon) handleFlame(e flame.Event) {
	switch e.Type {
	case flame.EventAlarm:
		d.detected = true
	case flame.EventClear, flame.EventStopped:
		d.detected = false
	}
	d.tracker.SetFlame(d.detected, d.monitor.Alarms())
	if e.Type == flame.EventStopped {
		d.tracker.SetMonitorState(flame.Stopped, e.Err)
	}

	ev := mqtt.FlameEvent{
		Timestamp: e.Time,
		Pin:       d.flamePin,
		Event:     string(e.Type),
		Detected:  d.detected,
		Alarms:    d.monitor.Alarms(),
	}
	if e.Err != nil {
		ev.Error = e.Err.Error()
	}
	if err := d.pub.PublishFlame(ev); err != nil {
		d.log.Warnf("flame publish error: %v", err)
	}
}

func (d *daemon) handleSample(s sample) {
	if s.err != nil {
		d.tracker.RecordSampleFailure(s.err)
		return
	}
	d.tracker.RecordReading(s.reading, s.at)
	ev := mqtt.ReadingEvent{Timestamp: s.at, Pin: d.dhtPin, Reading: s.reading}
	if err := d.pub.PublishReading(ev); err != nil {
		d.log.Warnf("reading publish error: %v", err)
	}
}

func (d *daemon) publishStatus(event, reason string, retained bool) {
	if d.conn != nil {
		d.tracker.SetMQTTConnected(d.conn.IsConnected())
	}
	snap := d.tracker.Snapshot()
	ev := mqtt.SystemEvent{
		Timestamp:  d.now(),
		Event:      event,
		Reason:     reason,
		Retained:   retained,
		RawPayload: status.FormatStatusEvent(snap, event, reason),
	}
	if err := d.pub.PublishSystem(ev); err != nil {
		d.log.Warnf("failed to publish %s event: %v", event, err)
	} else {
		d.log.Debugf("published %s event", event)
	}
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
