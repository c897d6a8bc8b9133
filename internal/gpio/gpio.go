// Package gpio provides single-line GPIO access with hardware abstraction.
// The real implementation uses the Linux GPIO character device.
// The fake implementation allows testing without hardware.
package gpio

import "errors"

// Level is the electrical level of a line.
type Level bool

const (
	Low  Level = false
	High Level = true
)

// String returns "HIGH" or "LOW".
func (l Level) String() string {
	if l {
		return "HIGH"
	}
	return "LOW"
}

// Mode is the direction of a line.
type Mode int

const (
	Input Mode = iota
	Output
)

// String returns "input" or "output".
func (m Mode) String() string {
	if m == Output {
		return "output"
	}
	return "input"
}

// Line is a single acquired GPIO line. All operations are blocking and
// immediate; nothing is buffered. A Line is owned by one caller at a time.
type Line interface {
	// SetMode switches direction. Switching to Output drives the most
	// recently written level, or High if nothing was written yet.
	SetMode(m Mode) error

	// Read samples the current level.
	Read() (Level, error)

	// Write drives the line. Only meaningful in Output mode.
	Write(l Level) error

	// Close releases the line.
	Close() error
}

// Chip hands out lines by offset (BCM numbering on a Raspberry Pi).
type Chip interface {
	// Acquire requests exclusive use of a line. The line starts as input.
	Acquire(pin int) (Line, error)

	// Close releases chip resources.
	Close() error
}

// ErrBusy is returned when a line is already held.
var ErrBusy = errors.New("gpio: line busy")

// DefaultChip is the character device used on a Raspberry Pi.
const DefaultChip = "gpiochip0"
