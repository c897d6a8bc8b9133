package flame

import (
	"fmt"
	"time"

	"github.com/sweeney/env-monitor/internal/gpio"
)

// Polarity selects which line level means "flame detected".
type Polarity int

const (
	ActiveHigh Polarity = iota
	ActiveLow
)

// ParsePolarity accepts "high" or "low".
func ParsePolarity(s string) (Polarity, error) {
	switch s {
	case "high":
		return ActiveHigh, nil
	case "low":
		return ActiveLow, nil
	}
	return ActiveHigh, fmt.Errorf("unknown polarity %q (want high or low)", s)
}

// Detected interprets a line level.
func (p Polarity) Detected(l gpio.Level) bool {
	if p == ActiveLow {
		return l == gpio.Low
	}
	return l == gpio.High
}

func (p Polarity) String() string {
	if p == ActiveLow {
		return "low"
	}
	return "high"
}

// Tone is the alarm burst played on each detecting poll.
type Tone struct {
	Frequency int           // Hz
	Duration  time.Duration // length of one burst
}

// DefaultTone is a 200ms burst at 1kHz.
var DefaultTone = Tone{Frequency: 1000, Duration: 200 * time.Millisecond}

// HalfPeriod is 500000/Frequency microseconds, truncated.
func (t Tone) HalfPeriod() time.Duration {
	if t.Frequency <= 0 {
		return 0
	}
	return time.Duration(500_000/t.Frequency) * time.Microsecond
}

// Cycles is the number of on/off toggle pairs in one burst.
func (t Tone) Cycles() int {
	hp := t.HalfPeriod()
	if hp <= 0 {
		return 0
	}
	return int(t.Duration / (2 * hp))
}

// State is the monitor lifecycle.
type State int

const (
	Idle State = iota
	Running
	Stopped
)

func (s State) String() string {
	switch s {
	case Running:
		return "RUNNING"
	case Stopped:
		return "STOPPED"
	default:
		return "IDLE"
	}
}

// EventType identifies a monitor event.
type EventType string

const (
	EventAlarm     EventType = "ALARM"      // flame appeared
	EventClear     EventType = "CLEAR"      // flame went away
	EventReadError EventType = "READ_ERROR" // a poll failed
	EventStopped   EventType = "STOPPED"    // loop reached its terminal state
)

// Event is reported by the running loop to the handler set with WithHandler.
type Event struct {
	Type EventType
	Time time.Time
	Err  error // READ_ERROR cause, or the terminal error on STOPPED
}
