package flame

import (
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/sweeney/env-monitor/internal/clock"
	"github.com/sweeney/env-monitor/internal/gpio"
	"github.com/sweeney/env-monitor/internal/sensor"
)

const (
	flamePin  = 27
	buzzerPin = 22
	poll      = 2 * time.Millisecond
)

// shortTone keeps bursts to 4 on/off pairs so tests stay fast.
var shortTone = Tone{Frequency: 1000, Duration: 4 * time.Millisecond}

type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) handle(e Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

func (r *recorder) count(typ EventType) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.Type == typ {
			n++
		}
	}
	return n
}

func (r *recorder) last() Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.events) == 0 {
		return Event{}
	}
	return r.events[len(r.events)-1]
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

func waitDone(t *testing.T, m *Monitor) {
	t.Helper()
	select {
	case <-m.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("monitor did not stop")
	}
}

func newMonitor(t *testing.T, cfg Config, opts ...Option) (*Monitor, *gpio.FakeChip, *recorder) {
	t.Helper()
	chip := gpio.NewFakeChip()
	rec := &recorder{}
	cfg.FlamePin = flamePin
	cfg.BuzzerPin = buzzerPin
	if cfg.Tone == (Tone{}) {
		cfg.Tone = shortTone
	}
	opts = append([]Option{WithHandler(rec.handle)}, opts...)
	m := New(chip, cfg, opts...)
	t.Cleanup(func() {
		m.StopMonitoring()
		waitDone(t, m)
	})
	return m, chip, rec
}

func onlyLevel(writes []gpio.Level, l gpio.Level) bool {
	for _, w := range writes {
		if w != l {
			return false
		}
	}
	return true
}

func TestReadPolarity(t *testing.T) {
	at := time.Date(2026, 1, 1, 12, 0, 0, 500, time.UTC)
	tests := []struct {
		name     string
		polarity Polarity
		level    gpio.Level
		want     bool
	}{
		{"high-active high", ActiveHigh, gpio.High, true},
		{"high-active low", ActiveHigh, gpio.Low, false},
		{"low-active high", ActiveLow, gpio.High, false},
		{"low-active low", ActiveLow, gpio.Low, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, chip, _ := newMonitor(t, Config{Polarity: tt.polarity}, WithClock(clock.NewFake(at)))
			chip.Line(flamePin).SetLevel(tt.level)

			st, err := m.Read()
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if st.Detected != tt.want {
				t.Errorf("Detected: got %v, want %v", st.Detected, tt.want)
			}
			ts, ok := st.Timestamp()
			if ok != tt.want {
				t.Errorf("timestamp present: got %v, want %v", ok, tt.want)
			}
			if ok && ts != at.Unix() {
				t.Errorf("timestamp: got %d, want %d", ts, at.Unix())
			}
			if len(chip.Line(buzzerPin).Writes()) != 0 {
				t.Error("single-shot read must not touch the buzzer")
			}
			if chip.Line(flamePin).Held() {
				t.Error("flame line should be released after a single-shot read")
			}
			if m.State() != Idle {
				t.Errorf("state: got %v, want IDLE", m.State())
			}
		})
	}
}

func TestReadErrors(t *testing.T) {
	m, chip, _ := newMonitor(t, Config{})
	chip.FailAcquire(flamePin, errors.New("no such line"))
	if _, err := m.Read(); !errors.Is(err, sensor.ErrIO) {
		t.Errorf("acquire failure: expected ErrIO, got %v", err)
	}

	chip.FailAcquire(flamePin, nil)
	chip.Line(flamePin).SetReadError(errors.New("line vanished"))
	if _, err := m.Read(); !errors.Is(err, sensor.ErrGPIO) {
		t.Errorf("read failure: expected ErrGPIO, got %v", err)
	}
}

func TestReadClockBeforeEpoch(t *testing.T) {
	m, chip, _ := newMonitor(t, Config{}, WithClock(clock.NewFake(time.Date(1960, 1, 1, 0, 0, 0, 0, time.UTC))))
	chip.Line(flamePin).SetLevel(gpio.High)

	if _, err := m.Read(); !errors.Is(err, sensor.ErrSensor) {
		t.Errorf("expected ErrSensor, got %v", err)
	}
}

func TestStartInitializesLines(t *testing.T) {
	m, chip, _ := newMonitor(t, Config{})

	if err := m.StartMonitoring(poll); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if m.State() != Running {
		t.Errorf("state: got %v, want RUNNING", m.State())
	}

	buzzer := chip.Line(buzzerPin)
	if buzzer.Mode() != gpio.Output {
		t.Errorf("buzzer mode: got %v, want output", buzzer.Mode())
	}
	writes := buzzer.Writes()
	if len(writes) == 0 || writes[0] != gpio.High {
		t.Errorf("first buzzer write should be the off level (HIGH), got %v", writes)
	}
	if chip.Line(flamePin).Mode() != gpio.Input {
		t.Error("flame line should be an input")
	}
}

var errRefused = errors.New("refused")

func TestStartInitFailures(t *testing.T) {
	tests := []struct {
		name  string
		setup func(chip *gpio.FakeChip)
	}{
		{"flame acquire", func(c *gpio.FakeChip) { c.FailAcquire(flamePin, errors.New("busy")) }},
		{"flame mode", func(c *gpio.FakeChip) { c.Line(flamePin).SetModeError(errors.New("refused")) }},
		{"buzzer acquire", func(c *gpio.FakeChip) { c.FailAcquire(buzzerPin, errors.New("busy")) }},
		{"buzzer mode", func(c *gpio.FakeChip) { c.Line(buzzerPin).SetModeError(errRefused) }},
		{"buzzer write", func(c *gpio.FakeChip) { c.Line(buzzerPin).SetWriteError(errRefused) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, chip, _ := newMonitor(t, Config{})
			tt.setup(chip)

			err := m.StartMonitoring(poll)
			if !errors.Is(err, sensor.ErrInit) {
				t.Fatalf("expected ErrInit, got %v", err)
			}
			if m.State() != Idle {
				t.Errorf("state: got %v, want IDLE", m.State())
			}
			if chip.Line(flamePin).Held() || chip.Line(buzzerPin).Held() {
				t.Error("no line may stay held after a failed start")
			}
		})
	}
}

func TestStartBuzzerSetupFailureKeepsCause(t *testing.T) {
	m, chip, _ := newMonitor(t, Config{})
	chip.Line(buzzerPin).SetModeError(errRefused)

	err := m.StartMonitoring(poll)
	if !errors.Is(err, sensor.ErrInit) || !errors.Is(err, errRefused) {
		t.Fatalf("expected ErrInit wrapping the mode failure, got %v", err)
	}
	if m.State() != Idle {
		t.Errorf("state: got %v, want IDLE", m.State())
	}

	chip.Line(buzzerPin).SetModeError(nil)
	if err := m.StartMonitoring(poll); err != nil {
		t.Fatalf("start after the line recovers: %v", err)
	}
	if got := chip.Line(buzzerPin).Mode(); got != gpio.Output {
		t.Errorf("buzzer mode: got %v, want output", got)
	}
}

func TestStartRejectsBadInterval(t *testing.T) {
	m, _, _ := newMonitor(t, Config{})
	if err := m.StartMonitoring(0); !errors.Is(err, sensor.ErrSensor) {
		t.Errorf("expected ErrSensor, got %v", err)
	}
	if m.State() != Idle {
		t.Errorf("state: got %v, want IDLE", m.State())
	}
}

func TestStartTwice(t *testing.T) {
	m, _, _ := newMonitor(t, Config{})
	if err := m.StartMonitoring(poll); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := m.StartMonitoring(poll); err == nil {
		t.Error("expected error starting a running monitor")
	}
}

func TestStoppedMonitorIsNotRestartable(t *testing.T) {
	m, _, _ := newMonitor(t, Config{})
	if err := m.StartMonitoring(poll); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	m.StopMonitoring()
	waitDone(t, m)

	if err := m.StartMonitoring(poll); err == nil {
		t.Error("expected error restarting a stopped monitor")
	}
	if m.State() != Stopped {
		t.Errorf("state: got %v, want STOPPED", m.State())
	}
}

func TestStopBeforeStart(t *testing.T) {
	m, chip, _ := newMonitor(t, Config{})

	m.StopMonitoring()
	m.StopMonitoring()

	waitDone(t, m)
	if m.State() != Stopped {
		t.Errorf("state: got %v, want STOPPED", m.State())
	}
	if len(chip.Line(buzzerPin).Writes()) != 0 {
		t.Error("stop must not touch the buzzer")
	}
	if err := m.StartMonitoring(poll); err == nil {
		t.Error("expected error starting a stopped monitor")
	}
}

func TestStopWithoutDetectionNeverSounds(t *testing.T) {
	m, chip, rec := newMonitor(t, Config{})
	chip.Line(flamePin).SetLevel(gpio.Low)

	if err := m.StartMonitoring(poll); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	waitFor(t, "a few polls", func() bool { return chip.Line(flamePin).Reads() >= 3 })

	m.StopMonitoring()
	m.StopMonitoring()
	waitDone(t, m)

	buzzer := chip.Line(buzzerPin)
	if !onlyLevel(buzzer.Writes(), gpio.High) {
		t.Errorf("buzzer should only ever be driven to its off level, got %v", buzzer.Writes())
	}
	if buzzer.Held() || chip.Line(flamePin).Held() {
		t.Error("lines should be released once stopped")
	}
	if m.Err() != nil {
		t.Errorf("unexpected terminal error: %v", m.Err())
	}
	if rec.count(EventStopped) != 1 {
		t.Errorf("expected 1 STOPPED event, got %d", rec.count(EventStopped))
	}
}

func TestStopIsObservedWithinOnePoll(t *testing.T) {
	m, chip, _ := newMonitor(t, Config{})
	interval := 20 * time.Millisecond

	if err := m.StartMonitoring(interval); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	waitFor(t, "first poll", func() bool { return chip.Line(flamePin).Reads() >= 1 })

	start := time.Now()
	m.StopMonitoring()
	waitDone(t, m)
	if elapsed := time.Since(start); elapsed > interval+50*time.Millisecond {
		t.Errorf("stop took %v, want about one poll interval (%v)", elapsed, interval)
	}
}

func TestDetectionSoundsAlarm(t *testing.T) {
	m, chip, rec := newMonitor(t, Config{})
	flame := chip.Line(flamePin)
	flame.SetLevel(gpio.High)

	if err := m.StartMonitoring(poll); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	waitFor(t, "buzzer on", func() bool {
		for _, w := range chip.Line(buzzerPin).Writes() {
			if w == gpio.Low {
				return true
			}
		}
		return false
	})
	waitFor(t, "ALARM event", func() bool { return rec.count(EventAlarm) == 1 })

	flame.SetLevel(gpio.Low)
	waitFor(t, "CLEAR event", func() bool { return rec.count(EventClear) == 1 })

	if m.Alarms() != 1 {
		t.Errorf("alarms: got %d, want 1", m.Alarms())
	}

	m.StopMonitoring()
	waitDone(t, m)
	if chip.Line(buzzerPin).Driven() != gpio.High {
		t.Error("buzzer should be left off")
	}
}

func TestActiveHighBuzzer(t *testing.T) {
	m, chip, _ := newMonitor(t, Config{BuzzerActiveHigh: true, Polarity: ActiveLow})
	chip.Line(flamePin).SetLevel(gpio.High) // no flame for low-active

	if err := m.StartMonitoring(poll); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	waitFor(t, "a few polls", func() bool { return chip.Line(flamePin).Reads() >= 3 })
	m.StopMonitoring()
	waitDone(t, m)

	if !onlyLevel(chip.Line(buzzerPin).Writes(), gpio.Low) {
		t.Errorf("active-high buzzer should only be driven LOW, got %v", chip.Line(buzzerPin).Writes())
	}
}

func TestStopDuringBurstFinishesBurst(t *testing.T) {
	m, chip, _ := newMonitor(t, Config{Tone: DefaultTone})
	chip.Line(flamePin).SetLevel(gpio.High)
	buzzer := chip.Line(buzzerPin)

	if err := m.StartMonitoring(poll); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	waitFor(t, "burst in progress", func() bool { return len(buzzer.Writes()) > 1 })

	m.StopMonitoring()
	waitDone(t, m)

	// One off write at start, whole 200-write bursts, one off write at stop.
	writes := buzzer.Writes()
	toggles := len(writes) - 2
	perBurst := 2 * DefaultTone.Cycles()
	if toggles < perBurst || toggles%perBurst != 0 {
		t.Errorf("expected whole bursts of %d writes, got %d writes", perBurst, toggles)
	}
	if writes[len(writes)-1] != gpio.High {
		t.Error("buzzer should end off")
	}
}

func TestReadFailuresTerminateLoop(t *testing.T) {
	m, chip, rec := newMonitor(t, Config{MaxReadFailures: 3})
	chip.Line(flamePin).SetReadError(errors.New("line vanished"))

	if err := m.StartMonitoring(poll); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	waitDone(t, m)

	if rec.count(EventReadError) != 3 {
		t.Errorf("expected 3 READ_ERROR events, got %d", rec.count(EventReadError))
	}
	if !errors.Is(m.Err(), sensor.ErrGPIO) {
		t.Errorf("terminal error: expected ErrGPIO, got %v", m.Err())
	}
	last := rec.last()
	if last.Type != EventStopped || last.Err == nil {
		t.Errorf("last event: got %+v, want STOPPED with error", last)
	}
	if m.State() != Stopped {
		t.Errorf("state: got %v, want STOPPED", m.State())
	}
	if !onlyLevel(chip.Line(buzzerPin).Writes(), gpio.High) {
		t.Error("buzzer must stay off while reads fail")
	}
	if chip.Line(flamePin).Held() {
		t.Error("flame line should be released")
	}
}

func TestTransientReadFailureContinues(t *testing.T) {
	m, chip, rec := newMonitor(t, Config{MaxReadFailures: 1000})
	flame := chip.Line(flamePin)
	flame.SetReadError(errors.New("glitch"))

	if err := m.StartMonitoring(poll); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	waitFor(t, "READ_ERROR event", func() bool { return rec.count(EventReadError) >= 1 })

	flame.SetReadError(nil)
	flame.SetLevel(gpio.High)
	waitFor(t, "ALARM after recovery", func() bool { return rec.count(EventAlarm) == 1 })

	if m.State() != Running {
		t.Errorf("state: got %v, want RUNNING", m.State())
	}
}

func TestReadWhileMonitoringSharesLine(t *testing.T) {
	m, chip, _ := newMonitor(t, Config{})
	chip.Line(flamePin).SetLevel(gpio.High)

	if err := m.StartMonitoring(poll); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	st, err := m.Read()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !st.Detected {
		t.Error("expected detection")
	}
}

func TestDetectionIsLogged(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	m, chip, rec := newMonitor(t, Config{}, WithLogger(zap.New(core)))
	chip.Line(flamePin).SetLevel(gpio.High)

	if err := m.StartMonitoring(poll); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	waitFor(t, "ALARM event", func() bool { return rec.count(EventAlarm) == 1 })
	m.StopMonitoring()
	waitDone(t, m)

	if n := logs.FilterMessage("flame detected").Len(); n != 1 {
		t.Errorf("expected 1 'flame detected' entry, got %d", n)
	}
	if n := logs.FilterMessage("flame monitoring started").Len(); n != 1 {
		t.Errorf("expected 1 'flame monitoring started' entry, got %d", n)
	}
}
