//go:build !linux

package gpio

import "errors"

var errUnsupported = errors.New("gpio: not supported on this platform (requires Linux)")

// RealChip is not available on non-Linux platforms.
type RealChip struct{}

// NewRealChip returns an error on non-Linux platforms.
func NewRealChip(name, consumer string) (*RealChip, error) {
	return nil, errUnsupported
}

// Acquire is not implemented on non-Linux platforms.
func (c *RealChip) Acquire(pin int) (Line, error) {
	return nil, errUnsupported
}

// Close is not implemented on non-Linux platforms.
func (c *RealChip) Close() error {
	return nil
}
