// Package mqtt publishes sensor readings, flame alarms and daemon lifecycle
// events to MQTT, with abstraction for testing.
package mqtt

import (
	"encoding/json"
	"math/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/sweeney/env-monitor/internal/sensor"
)

// Topics.
const (
	TopicReadings = "env/monitor/readings"
	TopicFlame    = "env/monitor/flame"
	TopicSystem   = "env/monitor/system"
)

// Publisher publishes events to MQTT.
type Publisher interface {
	// PublishReading sends a temperature/humidity sample.
	// Returns error if publishing fails (should not crash the process).
	PublishReading(event ReadingEvent) error

	// PublishFlame sends a flame monitor event.
	PublishFlame(event FlameEvent) error

	// PublishSystem sends a system lifecycle event.
	PublishSystem(event SystemEvent) error

	// Close disconnects from the broker.
	Close() error
}

// ConnectionStatus reports whether the MQTT connection is active.
type ConnectionStatus interface {
	IsConnected() bool
}

// ReadingEvent is one successful temperature/humidity sample.
type ReadingEvent struct {
	Timestamp time.Time
	Pin       int
	Reading   sensor.Reading
}

// FlameEvent is a flame monitor transition or failure.
type FlameEvent struct {
	Timestamp time.Time
	Pin       int
	Event     string // "ALARM", "CLEAR", "READ_ERROR", "STOPPED"
	Detected  bool
	Alarms    int64
	Error     string
}

// SystemEvent represents a system lifecycle event (e.g., startup, shutdown, heartbeat).
type SystemEvent struct {
	Timestamp  time.Time
	Event      string // e.g., "STARTUP", "SHUTDOWN", "HEARTBEAT"
	Reason     string // e.g., "SIGTERM", "SIGINT" (shutdown only)
	RawPayload []byte // Pre-formatted JSON payload; if set, FormatSystemPayload returns it directly
	Retained   bool   // Whether the message should be retained by the broker
}

// ReadingPayload is the JSON envelope for readings.
type ReadingPayload struct {
	Reading ReadingInner `json:"reading"`
}

// ReadingInner contains the reading details.
type ReadingInner struct {
	ID           string  `json:"id"`
	Timestamp    string  `json:"timestamp"`
	Pin          int     `json:"pin"`
	TemperatureC float64 `json:"temperature_c"`
	HumidityPct  float64 `json:"humidity_pct"`
}

// FlamePayload is the JSON envelope for flame events.
type FlamePayload struct {
	Flame FlameInner `json:"flame"`
}

// FlameInner contains the flame event details.
type FlameInner struct {
	ID        string `json:"id"`
	Timestamp string `json:"timestamp"`
	Pin       int    `json:"pin"`
	Event     string `json:"event"`
	Detected  bool   `json:"detected"`
	Alarms    int64  `json:"alarms"`
	Error     string `json:"error,omitempty"`
}

// SystemPayload represents the MQTT message payload for system events.
// Used for simple events (LWT, RECONNECTED) that don't carry a full status snapshot.
type SystemPayload struct {
	System SystemPayloadInner `json:"system"`
}

// SystemPayloadInner contains the system event details.
type SystemPayloadInner struct {
	ID        string `json:"id"`
	Timestamp string `json:"timestamp"`
	Event     string `json:"event"`
	Reason    string `json:"reason,omitempty"`
}

// FormatReadingPayload creates the JSON payload for a reading.
func FormatReadingPayload(event ReadingEvent) ([]byte, error) {
	return json.Marshal(ReadingPayload{
		Reading: ReadingInner{
			ID:           newID(event.Timestamp),
			Timestamp:    event.Timestamp.UTC().Format(time.RFC3339),
			Pin:          event.Pin,
			TemperatureC: event.Reading.Temperature,
			HumidityPct:  event.Reading.Humidity,
		},
	})
}

// FormatFlamePayload creates the JSON payload for a flame event.
func FormatFlamePayload(event FlameEvent) ([]byte, error) {
	return json.Marshal(FlamePayload{
		Flame: FlameInner{
			ID:        newID(event.Timestamp),
			Timestamp: event.Timestamp.UTC().Format(time.RFC3339),
			Pin:       event.Pin,
			Event:     event.Event,
			Detected:  event.Detected,
			Alarms:    event.Alarms,
			Error:     event.Error,
		},
	})
}

// FormatSystemPayload creates the JSON payload for a system event.
// If event.RawPayload is set, it is returned directly (used for full status snapshots).
func FormatSystemPayload(event SystemEvent) ([]byte, error) {
	if event.RawPayload != nil {
		return event.RawPayload, nil
	}

	payload := SystemPayload{
		System: SystemPayloadInner{
			ID:        newID(event.Timestamp),
			Timestamp: event.Timestamp.UTC().Format(time.RFC3339),
			Event:     event.Event,
			Reason:    event.Reason,
		},
	}
	return json.Marshal(payload)
}

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0)
)

// newID returns a ULID whose time component is t, so ids sort by event time.
func newID(t time.Time) string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(t), entropy).String()
}

// NopPublisher discards everything. It stands in when no broker is configured.
type NopPublisher struct{}

func (NopPublisher) PublishReading(ReadingEvent) error { return nil }
func (NopPublisher) PublishFlame(FlameEvent) error     { return nil }
func (NopPublisher) PublishSystem(SystemEvent) error   { return nil }
func (NopPublisher) Close() error                      { return nil }
func (NopPublisher) IsConnected() bool                 { return false }
