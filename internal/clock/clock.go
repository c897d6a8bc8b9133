// Package clock provides the time source used by the timed protocol code.
// Real hardware needs microsecond-level sleeps, which time.Sleep cannot
// deliver reliably; tests need virtual time that advances deterministically.
package clock

import (
	"sync"
	"time"
)

// Clock reads the current time and sleeps.
type Clock interface {
	Now() time.Time
	Sleep(d time.Duration)
}

// spinThreshold is the longest sleep served by busy-waiting.
const spinThreshold = 2 * time.Millisecond

// Real is the wall clock.
type Real struct{}

// Now returns time.Now().
func (Real) Now() time.Time { return time.Now() }

// Sleep busy-waits for short durations and defers to time.Sleep otherwise.
func (Real) Sleep(d time.Duration) {
	if d <= 0 {
		return
	}
	if d >= spinThreshold {
		time.Sleep(d)
		return
	}
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
	}
}

// Fake is a virtual clock. Sleep advances it instantly.
// Safe for concurrent use.
type Fake struct {
	mu  sync.Mutex
	now time.Time
}

// NewFake creates a Fake clock starting at start.
func NewFake(start time.Time) *Fake {
	return &Fake{now: start}
}

// Now returns the current virtual time.
func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

// Sleep advances virtual time by d.
func (f *Fake) Sleep(d time.Duration) {
	f.Advance(d)
}

// Advance moves virtual time forward by d. Negative values are ignored.
func (f *Fake) Advance(d time.Duration) {
	if d <= 0 {
		return
	}
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
}
