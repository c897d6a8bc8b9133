// Package flame polls a digital flame sensor and sounds a buzzer while a
// flame is seen.
//
// A Monitor moves Idle -> Running -> Stopped and never back. Stopping is
// cooperative: StopMonitoring clears a flag that the loop checks once per
// poll. An alarm burst in progress (up to Tone.Duration) is always finished
// before the flag is checked again, so a stop can take one poll interval
// plus the rest of the burst to take effect.
//
// A failed flame read while running is logged and reported as a READ_ERROR
// event; that poll counts as "no flame" (buzzer off). After
// Config.MaxReadFailures consecutive failures the loop stops itself and
// Err reports the cause.
package flame

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/sweeney/env-monitor/internal/clock"
	"github.com/sweeney/env-monitor/internal/gpio"
	"github.com/sweeney/env-monitor/internal/sensor"
)

// DefaultMaxReadFailures is used when Config.MaxReadFailures is zero.
const DefaultMaxReadFailures = 10

// Config binds a monitor to its lines.
type Config struct {
	FlamePin  int
	BuzzerPin int
	Polarity  Polarity

	// BuzzerActiveHigh drives the buzzer with High. The default matches the
	// common active-low modules: Low sounds, High is silent.
	BuzzerActiveHigh bool

	Tone            Tone // zero means DefaultTone
	MaxReadFailures int  // zero means DefaultMaxReadFailures
}

func (c Config) buzzerOff() gpio.Level { return gpio.Level(!c.BuzzerActiveHigh) }
func (c Config) buzzerOn() gpio.Level  { return gpio.Level(c.BuzzerActiveHigh) }

// Monitor is a flame sensor with a buzzer.
type Monitor struct {
	cfg     Config
	chip    gpio.Chip
	clock   clock.Clock
	log     *zap.Logger
	handler func(Event)

	// active is the continue-flag. It starts true and is only ever cleared.
	active atomic.Bool
	alarms atomic.Int64

	mu    sync.Mutex
	state State
	flame gpio.Line // held by the loop while Running
	err   error
	done  chan struct{}
}

var _ sensor.FireDetector = (*Monitor)(nil)

// Option configures a Monitor.
type Option func(*Monitor)

// WithClock replaces the wall clock.
func WithClock(c clock.Clock) Option {
	return func(m *Monitor) { m.clock = c }
}

// WithLogger sets the logger. The default discards.
func WithLogger(l *zap.Logger) Option {
	return func(m *Monitor) { m.log = l }
}

// WithHandler receives loop events. It is called synchronously from the
// loop goroutine and must not block.
func WithHandler(h func(Event)) Option {
	return func(m *Monitor) { m.handler = h }
}

// New creates an Idle monitor.
func New(chip gpio.Chip, cfg Config, opts ...Option) *Monitor {
	if cfg.Tone == (Tone{}) {
		cfg.Tone = DefaultTone
	}
	if cfg.MaxReadFailures <= 0 {
		cfg.MaxReadFailures = DefaultMaxReadFailures
	}
	m := &Monitor{
		cfg:   cfg,
		chip:  chip,
		clock: clock.Real{},
		log:   zap.NewNop(),
		done:  make(chan struct{}),
	}
	for _, o := range opts {
		o(m)
	}
	m.active.Store(true)
	return m
}

// Config returns the bindings.
func (m *Monitor) Config() Config { return m.cfg }

// Read polls the flame line once. It never touches the buzzer or the
// continue-flag. While monitoring it samples the line held by the loop.
func (m *Monitor) Read() (sensor.FlameStatus, error) {
	lvl, err := m.readLevel()
	if err != nil {
		return sensor.FlameStatus{}, err
	}
	if !m.cfg.Polarity.Detected(lvl) {
		return sensor.FlameStatus{}, nil
	}
	now := m.clock.Now()
	if now.Unix() < 0 {
		return sensor.FlameStatus{}, &sensor.Error{Kind: sensor.ErrSensor, Msg: "clock before unix epoch"}
	}
	return sensor.FlameStatus{Detected: true, DetectedAt: time.Unix(now.Unix(), 0)}, nil
}

// ReadContext runs Read on a worker goroutine.
func (m *Monitor) ReadContext(ctx context.Context) (sensor.FlameStatus, error) {
	return sensor.Offload(ctx, m.Read)
}

func (m *Monitor) readLevel() (gpio.Level, error) {
	m.mu.Lock()
	if m.flame != nil {
		defer m.mu.Unlock()
		lvl, err := m.flame.Read()
		if err != nil {
			return gpio.Low, sensor.GPIO(fmt.Sprintf("read flame pin %d", m.cfg.FlamePin), err)
		}
		return lvl, nil
	}
	m.mu.Unlock()

	line, err := m.chip.Acquire(m.cfg.FlamePin)
	if err != nil {
		return gpio.Low, sensor.IO(fmt.Sprintf("acquire flame pin %d", m.cfg.FlamePin), err)
	}
	defer line.Close()
	if err := line.SetMode(gpio.Input); err != nil {
		return gpio.Low, sensor.GPIO(fmt.Sprintf("set flame pin %d to input", m.cfg.FlamePin), err)
	}
	lvl, err := line.Read()
	if err != nil {
		return gpio.Low, sensor.GPIO(fmt.Sprintf("read flame pin %d", m.cfg.FlamePin), err)
	}
	return lvl, nil
}

// StartMonitoring acquires both lines and starts the poll loop. It returns
// once the loop is scheduled. Line setup failures are returned as ErrInit
// and leave the monitor Idle.
func (m *Monitor) StartMonitoring(interval time.Duration) error {
	if interval <= 0 {
		return &sensor.Error{Kind: sensor.ErrSensor, Msg: fmt.Sprintf("poll interval must be positive, got %v", interval)}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	switch m.state {
	case Running:
		return &sensor.Error{Kind: sensor.ErrSensor, Msg: "monitoring already running"}
	case Stopped:
		return &sensor.Error{Kind: sensor.ErrSensor, Msg: "monitor stopped; create a new one"}
	}

	flame, buzzer, err := m.acquireLines()
	if err != nil {
		return err
	}
	m.flame = flame
	m.state = Running

	m.log.Info("flame monitoring started",
		zap.Int("flame_pin", m.cfg.FlamePin),
		zap.Int("buzzer_pin", m.cfg.BuzzerPin),
		zap.Stringer("polarity", m.cfg.Polarity),
		zap.Duration("interval", interval))

	go m.run(flame, buzzer, interval)
	return nil
}

func (m *Monitor) acquireLines() (gpio.Line, gpio.Line, error) {
	flame, err := m.chip.Acquire(m.cfg.FlamePin)
	if err != nil {
		return nil, nil, sensor.Init(fmt.Sprintf("acquire flame pin %d", m.cfg.FlamePin), err)
	}
	if err := flame.SetMode(gpio.Input); err != nil {
		flame.Close()
		return nil, nil, sensor.Init(fmt.Sprintf("set flame pin %d to input", m.cfg.FlamePin), err)
	}

	buzzer, err := m.chip.Acquire(m.cfg.BuzzerPin)
	if err != nil {
		flame.Close()
		return nil, nil, sensor.Init(fmt.Sprintf("acquire buzzer pin %d", m.cfg.BuzzerPin), err)
	}
	if err = buzzer.SetMode(gpio.Output); err != nil {
		err = fmt.Errorf("set output: %w", err)
	} else {
		err = buzzer.Write(m.cfg.buzzerOff())
	}
	if err != nil {
		buzzer.Close()
		flame.Close()
		return nil, nil, sensor.Init(fmt.Sprintf("silence buzzer pin %d", m.cfg.BuzzerPin), err)
	}
	return flame, buzzer, nil
}

// StopMonitoring clears the continue-flag. It does not touch the buzzer;
// the loop silences it on its next check. Safe to call any number of times
// from any goroutine, including before StartMonitoring.
func (m *Monitor) StopMonitoring() {
	m.active.Store(false)

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == Idle {
		m.state = Stopped
		close(m.done)
	}
}

// Done is closed when the monitor reaches Stopped.
func (m *Monitor) Done() <-chan struct{} { return m.done }

// Err returns the error that terminated the loop, if any.
func (m *Monitor) Err() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.err
}

// State returns the lifecycle state.
func (m *Monitor) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Alarms returns how many times a flame has appeared since start.
func (m *Monitor) Alarms() int64 { return m.alarms.Load() }

func (m *Monitor) run(flame, buzzer gpio.Line, interval time.Duration) {
	var (
		detected bool
		failures int
		termErr  error
	)

	for m.active.Load() {
		lvl, err := flame.Read()
		if err != nil {
			failures++
			readErr := sensor.GPIO(fmt.Sprintf("read flame pin %d", m.cfg.FlamePin), err)
			m.log.Warn("flame read failed",
				zap.Int("pin", m.cfg.FlamePin),
				zap.Int("consecutive", failures),
				zap.Error(err))
			m.emit(Event{Type: EventReadError, Err: readErr})
			m.silence(buzzer)
			if failures >= m.cfg.MaxReadFailures {
				termErr = fmt.Errorf("giving up after %d consecutive failures: %w", failures, readErr)
				break
			}
			m.clock.Sleep(interval)
			continue
		}
		failures = 0

		seen := m.cfg.Polarity.Detected(lvl)
		switch {
		case seen && !detected:
			m.alarms.Add(1)
			m.log.Warn("flame detected", zap.Int("pin", m.cfg.FlamePin))
			m.emit(Event{Type: EventAlarm})
		case !seen && detected:
			m.log.Info("flame cleared", zap.Int("pin", m.cfg.FlamePin))
			m.emit(Event{Type: EventClear})
		}
		detected = seen

		if seen {
			m.soundAlarm(buzzer)
		} else {
			m.silence(buzzer)
		}
		m.clock.Sleep(interval)
	}

	m.active.Store(false)
	m.silence(buzzer)

	m.mu.Lock()
	m.flame = nil
	m.mu.Unlock()
	if err := errors.Join(flame.Close(), buzzer.Close()); err != nil {
		m.log.Warn("release lines failed", zap.Error(err))
	}

	m.mu.Lock()
	m.state = Stopped
	m.err = termErr
	m.mu.Unlock()

	if termErr != nil {
		m.log.Error("flame monitoring terminated", zap.Error(termErr))
	} else {
		m.log.Info("flame monitoring stopped")
	}
	m.emit(Event{Type: EventStopped, Err: termErr})
	close(m.done)
}

// soundAlarm plays one full burst. The continue-flag is not checked until
// the burst is over.
func (m *Monitor) soundAlarm(buzzer gpio.Line) {
	hp := m.cfg.Tone.HalfPeriod()
	on, off := m.cfg.buzzerOn(), m.cfg.buzzerOff()
	for i := 0; i < m.cfg.Tone.Cycles(); i++ {
		if err := buzzer.Write(on); err != nil {
			m.log.Warn("buzzer write failed", zap.Int("pin", m.cfg.BuzzerPin), zap.Error(err))
			return
		}
		m.clock.Sleep(hp)
		if err := buzzer.Write(off); err != nil {
			m.log.Warn("buzzer write failed", zap.Int("pin", m.cfg.BuzzerPin), zap.Error(err))
			return
		}
		m.clock.Sleep(hp)
	}
}

func (m *Monitor) silence(buzzer gpio.Line) {
	if err := buzzer.Write(m.cfg.buzzerOff()); err != nil {
		m.log.Warn("buzzer write failed", zap.Int("pin", m.cfg.BuzzerPin), zap.Error(err))
	}
}

func (m *Monitor) emit(e Event) {
	if m.handler == nil {
		return
	}
	if e.Time.IsZero() {
		e.Time = m.clock.Now()
	}
	m.handler(e)
}
