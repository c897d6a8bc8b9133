package gpio

import (
	"sync"
	"time"

	"github.com/sweeney/env-monitor/internal/clock"
)

// Pulse is one segment of a replayed waveform.
type Pulse struct {
	Level    Level
	Duration time.Duration
}

// FakeChip is a test double that hands out FakeLines.
// Safe for concurrent use.
type FakeChip struct {
	mu         sync.Mutex
	lines      map[int]*FakeLine
	acquireErr map[int]error
	closed     bool
}

// NewFakeChip creates an empty FakeChip.
func NewFakeChip() *FakeChip {
	return &FakeChip{
		lines:      make(map[int]*FakeLine),
		acquireErr: make(map[int]error),
	}
}

// Line returns the FakeLine for pin, creating it if needed. The returned
// line can be scripted before or while it is acquired.
func (c *FakeChip) Line(pin int) *FakeLine {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lineLocked(pin)
}

func (c *FakeChip) lineLocked(pin int) *FakeLine {
	l, ok := c.lines[pin]
	if !ok {
		l = &FakeLine{pin: pin, driven: High}
		c.lines[pin] = l
	}
	return l
}

// FailAcquire makes Acquire(pin) return err. A nil err clears the failure.
func (c *FakeChip) FailAcquire(pin int, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err == nil {
		delete(c.acquireErr, pin)
		return
	}
	c.acquireErr[pin] = err
}

// Acquire hands out the line for pin as an input.
// Returns ErrBusy if the line is already held.
func (c *FakeChip) Acquire(pin int) (Line, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.acquireErr[pin]; err != nil {
		return nil, err
	}
	l := c.lineLocked(pin)
	if err := l.acquire(); err != nil {
		return nil, err
	}
	return l, nil
}

// Close marks the chip as closed.
func (c *FakeChip) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}

// Closed reports whether Close was called.
func (c *FakeChip) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// FakeLine is a scripted line. Reads are served, in priority order, from an
// injected error, a playing waveform, the driven level in Output mode, a
// scripted sequence, or the static input level.
type FakeLine struct {
	mu  sync.Mutex
	pin int

	held   bool
	closed bool
	mode   Mode
	driven Level
	writes []Level
	reads  int

	level  Level
	script []Level
	index  int

	waveform []Pulse
	clk      clock.Clock
	step     time.Duration
	armed    bool
	playing  bool
	started  time.Time

	readErr  error
	writeErr error
	modeErr  error
}

func (l *FakeLine) acquire() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held {
		return ErrBusy
	}
	l.held = true
	l.closed = false
	l.mode = Input
	l.playing = false
	return nil
}

// SetLevel sets the static input level.
func (l *FakeLine) SetLevel(v Level) {
	l.mu.Lock()
	l.level = v
	l.mu.Unlock()
}

// Script queues levels returned by successive reads. Once exhausted the
// last level repeats.
func (l *FakeLine) Script(levels ...Level) {
	l.mu.Lock()
	l.script = levels
	l.index = 0
	l.mu.Unlock()
}

// Play arms a waveform that starts each time the line is switched to Input.
// Every read advances c by step before sampling, modelling the cost of one
// sample. After the waveform ends the line idles High (bus pull-up).
func (l *FakeLine) Play(c clock.Clock, step time.Duration, pulses ...Pulse) {
	l.mu.Lock()
	l.waveform = pulses
	l.clk = c
	l.step = step
	l.armed = true
	l.playing = false
	l.mu.Unlock()
}

// SetReadError makes Read fail with err. A nil err clears the failure.
func (l *FakeLine) SetReadError(err error) {
	l.mu.Lock()
	l.readErr = err
	l.mu.Unlock()
}

// SetWriteError makes Write fail with err.
func (l *FakeLine) SetWriteError(err error) {
	l.mu.Lock()
	l.writeErr = err
	l.mu.Unlock()
}

// SetModeError makes SetMode fail with err.
func (l *FakeLine) SetModeError(err error) {
	l.mu.Lock()
	l.modeErr = err
	l.mu.Unlock()
}

// SetMode records the direction. Switching to Input starts an armed waveform.
func (l *FakeLine) SetMode(m Mode) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.modeErr != nil {
		return l.modeErr
	}
	l.mode = m
	if m == Input && l.armed {
		l.playing = true
		l.started = l.clk.Now()
	}
	return nil
}

// Read returns the next level.
func (l *FakeLine) Read() (Level, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.reads++
	if l.readErr != nil {
		return Low, l.readErr
	}
	if l.playing && l.mode == Input {
		l.clk.Sleep(l.step)
		return l.sampleLocked(l.clk.Now().Sub(l.started)), nil
	}
	if l.mode == Output {
		return l.driven, nil
	}
	if len(l.script) > 0 {
		v := l.script[l.index]
		if l.index < len(l.script)-1 {
			l.index++
		}
		return v, nil
	}
	return l.level, nil
}

func (l *FakeLine) sampleLocked(elapsed time.Duration) Level {
	var end time.Duration
	for _, p := range l.waveform {
		end += p.Duration
		if elapsed < end {
			return p.Level
		}
	}
	return High
}

// Write records the level.
func (l *FakeLine) Write(v Level) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.writeErr != nil {
		return l.writeErr
	}
	l.driven = v
	l.writes = append(l.writes, v)
	return nil
}

// Close releases the line.
func (l *FakeLine) Close() error {
	l.mu.Lock()
	l.held = false
	l.closed = true
	l.playing = false
	l.mu.Unlock()
	return nil
}

// Mode returns the current direction.
func (l *FakeLine) Mode() Mode {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.mode
}

// Driven returns the most recently written level (High if none).
func (l *FakeLine) Driven() Level {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.driven
}

// Writes returns a copy of every level written so far.
func (l *FakeLine) Writes() []Level {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Level, len(l.writes))
	copy(out, l.writes)
	return out
}

// Reads returns the number of Read calls.
func (l *FakeLine) Reads() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.reads
}

// Held reports whether the line is currently acquired.
func (l *FakeLine) Held() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.held
}

// Closed reports whether the line was released.
func (l *FakeLine) Closed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}

// Reset clears recorded writes and reads.
func (l *FakeLine) Reset() {
	l.mu.Lock()
	l.writes = nil
	l.reads = 0
	l.index = 0
	l.mu.Unlock()
}
