// Package sensor defines the readings, the failure vocabulary and the
// capability interfaces shared by the sensor drivers.
package sensor

import (
	"context"
	"fmt"
	"time"
)

// Reading is one temperature/humidity measurement. The sensor carries whole
// units only.
type Reading struct {
	Temperature float64 // °C
	Humidity    float64 // %RH
}

// FlameStatus is the result of one flame poll.
type FlameStatus struct {
	Detected bool
	// DetectedAt is set, to whole-second precision, only when Detected is true.
	DetectedAt time.Time
}

// Timestamp returns DetectedAt as Unix seconds, and whether it is present.
func (s FlameStatus) Timestamp() (int64, bool) {
	if !s.Detected || s.DetectedAt.IsZero() {
		return 0, false
	}
	return s.DetectedAt.Unix(), true
}

// TemperatureSensor reads temperature and humidity.
type TemperatureSensor interface {
	// Read performs one blocking exchange.
	Read() (Reading, error)

	// ReadContext performs the exchange on a worker goroutine and returns
	// when it completes or ctx is done.
	ReadContext(ctx context.Context) (Reading, error)
}

// FireDetector polls a flame sensor and drives an alarm.
type FireDetector interface {
	Read() (FlameStatus, error)
	ReadContext(ctx context.Context) (FlameStatus, error)

	// StartMonitoring begins the background poll loop and returns once it
	// is scheduled.
	StartMonitoring(interval time.Duration) error

	// StopMonitoring asks the loop to stop. Idempotent.
	StopMonitoring()
}

// Offload runs fn on its own goroutine so a caller multiplexing work with
// select or contexts is not stalled by a busy-waiting exchange. Inputs must
// be copied into fn by the caller. If ctx ends first the exchange still runs
// to completion in the background and its result is discarded. A panic in fn
// and an abandoned wait are both reported as ErrSensor.
func Offload[T any](ctx context.Context, fn func() (T, error)) (T, error) {
	type result struct {
		v   T
		err error
	}
	done := make(chan result, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				var zero T
				done <- result{v: zero, err: &Error{Kind: ErrSensor, Msg: fmt.Sprintf("worker panic: %v", p)}}
			}
		}()
		v, err := fn()
		done <- result{v: v, err: err}
	}()

	select {
	case r := <-done:
		return r.v, r.err
	case <-ctx.Done():
		var zero T
		return zero, &Error{Kind: ErrSensor, Msg: "worker wait abandoned", Err: ctx.Err()}
	}
}
