package dht11

import (
	"fmt"
	"time"

	"github.com/sweeney/env-monitor/internal/sensor"
)

// BitThreshold separates the two bit encodings: a high pulse longer than
// this is a 1 (nominally 70µs), anything up to and including it is a 0
// (nominally 26-28µs).
const BitThreshold = 40 * time.Microsecond

// FrameBits is the number of bits in one exchange.
const FrameBits = 40

// Frame is the raw 5-byte payload in wire order: humidity integer,
// humidity fraction, temperature integer, temperature fraction, checksum.
type Frame [5]byte

// DecodeBit maps a measured high-pulse duration to a bit value.
func DecodeBit(high time.Duration) byte {
	if high > BitThreshold {
		return 1
	}
	return 0
}

// setBit stores bit i (0-39) most-significant-bit first within its byte.
func (f *Frame) setBit(i int, v byte) {
	if v != 0 {
		f[i/8] |= 1 << (7 - uint(i%8))
	}
}

// Sum returns the checksum the four data bytes call for. The sensor adds
// them in an 8-bit register, so the sum is taken modulo 256.
func (f Frame) Sum() byte {
	var s uint
	for _, b := range f[:4] {
		s += uint(b)
	}
	return byte(s % 256)
}

// Valid reports whether the checksum byte matches the data bytes.
func (f Frame) Valid() bool {
	return f[4] == f.Sum()
}

// Reading validates the frame and converts it. The fractional bytes are
// always zero on this sensor and are ignored.
func (f Frame) Reading() (sensor.Reading, error) {
	if !f.Valid() {
		return sensor.Reading{}, sensor.Validation(
			fmt.Sprintf("checksum mismatch: got 0x%02X, want 0x%02X", f[4], f.Sum()))
	}
	return sensor.Reading{
		Temperature: float64(f[2]),
		Humidity:    float64(f[0]),
	}, nil
}
