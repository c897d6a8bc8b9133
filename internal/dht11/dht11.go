// Package dht11 decodes the single-wire timed protocol of the DHT11
// temperature/humidity sensor by bit-banging a GPIO line.
//
// One exchange is: host pulls the line low for at least 18ms, releases it
// and listens; the sensor answers with an 80µs low then 80µs high, then
// sends 40 bits, each a ~50µs low followed by a high whose length encodes
// the bit. Every wait is bounded by one absolute deadline.
package dht11

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/sweeney/env-monitor/internal/clock"
	"github.com/sweeney/env-monitor/internal/gpio"
	"github.com/sweeney/env-monitor/internal/sensor"
)

const (
	// StartSignal is how long the host holds the line low (datasheet minimum 18ms).
	StartSignal = 20 * time.Millisecond

	// ResponseTimeout bounds the whole exchange, measured from the moment the
	// host starts listening.
	ResponseTimeout = 100 * time.Millisecond
)

// Sensor is a DHT11 bound to one pin. It holds no lock: callers must not run
// two exchanges on the same physical line concurrently.
type Sensor struct {
	chip  gpio.Chip
	pin   int
	clock clock.Clock
	log   *zap.Logger
}

var _ sensor.TemperatureSensor = (*Sensor)(nil)

// Option configures a Sensor.
type Option func(*Sensor)

// WithClock replaces the wall clock, for tests.
func WithClock(c clock.Clock) Option {
	return func(s *Sensor) { s.clock = c }
}

// WithLogger sets the logger. The default discards.
func WithLogger(l *zap.Logger) Option {
	return func(s *Sensor) { s.log = l }
}

// New creates a Sensor on pin of chip.
func New(chip gpio.Chip, pin int, opts ...Option) *Sensor {
	s := &Sensor{
		chip:  chip,
		pin:   pin,
		clock: clock.Real{},
		log:   zap.NewNop(),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Pin returns the bound pin number.
func (s *Sensor) Pin() int { return s.pin }

// Read performs one exchange and returns a validated reading. Any timeout,
// line failure or checksum mismatch aborts the exchange; nothing partial is
// returned.
func (s *Sensor) Read() (sensor.Reading, error) {
	f, err := s.exchange()
	if err == nil {
		var r sensor.Reading
		r, err = f.Reading()
		if err == nil {
			return r, nil
		}
	}
	s.log.Debug("dht11 read failed", zap.Int("pin", s.pin), zap.Error(err))
	return sensor.Reading{}, err
}

// ReadContext runs Read on a worker goroutine. The sensor configuration is
// copied into the worker.
func (s *Sensor) ReadContext(ctx context.Context) (sensor.Reading, error) {
	c := *s
	return sensor.Offload(ctx, c.Read)
}

func (s *Sensor) exchange() (Frame, error) {
	line, err := s.chip.Acquire(s.pin)
	if err != nil {
		return Frame{}, sensor.IO(fmt.Sprintf("acquire pin %d", s.pin), err)
	}
	defer line.Close()

	if err := s.sendStart(line); err != nil {
		return Frame{}, err
	}

	x := &exchange{
		line:     line,
		clock:    s.clock,
		deadline: s.clock.Now().Add(ResponseTimeout),
	}
	return x.receive()
}

func (s *Sensor) sendStart(line gpio.Line) error {
	if err := line.SetMode(gpio.Output); err != nil {
		return sensor.GPIO("start signal", err)
	}
	if err := line.Write(gpio.Low); err != nil {
		return sensor.GPIO("start signal", err)
	}
	s.clock.Sleep(StartSignal)
	if err := line.Write(gpio.High); err != nil {
		return sensor.GPIO("release line", err)
	}
	if err := line.SetMode(gpio.Input); err != nil {
		return sensor.GPIO("switch to input", err)
	}
	return nil
}

// exchange is the receive half of one protocol run.
type exchange struct {
	line     gpio.Line
	clock    clock.Clock
	deadline time.Time
}

func (x *exchange) receive() (Frame, error) {
	if err := x.waitWhile(gpio.High, phaseResponse, -1); err != nil {
		return Frame{}, err
	}
	if err := x.waitWhile(gpio.Low, phaseResponseLow, -1); err != nil {
		return Frame{}, err
	}
	if err := x.waitWhile(gpio.High, phaseResponseHigh, -1); err != nil {
		return Frame{}, err
	}

	var f Frame
	for i := 0; i < FrameBits; i++ {
		if err := x.waitWhile(gpio.Low, phaseBitStart, i); err != nil {
			return Frame{}, err
		}
		start := x.clock.Now()
		if err := x.waitWhile(gpio.High, phaseBitHigh, i); err != nil {
			return Frame{}, err
		}
		f.setBit(i, DecodeBit(x.clock.Now().Sub(start)))
	}
	return f, nil
}

// Wait phases, named in Timeout and GPIO errors.
const (
	phaseResponse     = "waiting for sensor response"
	phaseResponseLow  = "sensor response low pulse"
	phaseResponseHigh = "sensor response high pulse"
	phaseBitStart     = "start"
	phaseBitHigh      = "high pulse"
)

// waitWhile spins until the line leaves level or the deadline passes. bit is
// the data bit being received, or -1 during the handshake. Phase names are
// only formatted on failure to keep the sampling loop tight.
func (x *exchange) waitWhile(level gpio.Level, phase string, bit int) error {
	for {
		v, err := x.line.Read()
		if err != nil {
			return sensor.GPIO(phaseName(phase, bit), err)
		}
		if v != level {
			return nil
		}
		if x.clock.Now().After(x.deadline) {
			return sensor.Timeout(phaseName(phase, bit))
		}
	}
}

func phaseName(phase string, bit int) string {
	if bit < 0 {
		return phase
	}
	return fmt.Sprintf("data bit %d %s", bit, phase)
}
