//go:build linux

package gpio

import (
	"fmt"
	"sync"

	"github.com/warthog618/go-gpiocdev"
)

// RealChip acquires lines from an actual GPIO character device.
type RealChip struct {
	chip *gpiocdev.Chip
}

// NewRealChip opens the named chip (e.g. "gpiochip0"). Requested lines are
// labelled with consumer in the kernel's line info.
func NewRealChip(name, consumer string) (*RealChip, error) {
	chip, err := gpiocdev.NewChip(name, gpiocdev.WithConsumer(consumer))
	if err != nil {
		return nil, fmt.Errorf("open gpio chip %s: %w", name, err)
	}
	return &RealChip{chip: chip}, nil
}

// Acquire requests the line as an input.
func (c *RealChip) Acquire(pin int) (Line, error) {
	l, err := c.chip.RequestLine(pin, gpiocdev.AsInput)
	if err != nil {
		return nil, fmt.Errorf("request pin %d: %w", pin, err)
	}
	return &realLine{line: l, pin: pin, last: High}, nil
}

// Close releases the chip.
func (c *RealChip) Close() error {
	if err := c.chip.Close(); err != nil {
		return fmt.Errorf("close chip: %w", err)
	}
	return nil
}

type realLine struct {
	line *gpiocdev.Line
	pin  int

	mu   sync.Mutex
	last Level
}

func (r *realLine) SetMode(m Mode) error {
	var err error
	if m == Output {
		r.mu.Lock()
		v := levelValue(r.last)
		r.mu.Unlock()
		err = r.line.Reconfigure(gpiocdev.AsOutput(v))
	} else {
		err = r.line.Reconfigure(gpiocdev.AsInput)
	}
	if err != nil {
		return fmt.Errorf("set pin %d to %s: %w", r.pin, m, err)
	}
	return nil
}

func (r *realLine) Read() (Level, error) {
	v, err := r.line.Value()
	if err != nil {
		return Low, fmt.Errorf("read pin %d: %w", r.pin, err)
	}
	return v != 0, nil
}

func (r *realLine) Write(l Level) error {
	if err := r.line.SetValue(levelValue(l)); err != nil {
		return fmt.Errorf("write pin %d: %w", r.pin, err)
	}
	r.mu.Lock()
	r.last = l
	r.mu.Unlock()
	return nil
}

// Close returns the line to a plain input before releasing it, so a buzzer
// or the sensor bus is not left driven after the process exits.
func (r *realLine) Close() error {
	var errs []error
	if err := r.line.Reconfigure(gpiocdev.AsInput); err != nil {
		errs = append(errs, fmt.Errorf("reconfigure pin %d: %w", r.pin, err))
	}
	if err := r.line.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close pin %d: %w", r.pin, err))
	}
	if len(errs) > 0 {
		return fmt.Errorf("close errors: %v", errs)
	}
	return nil
}

func levelValue(l Level) int {
	if l {
		return 1
	}
	return 0
}
