// Package status provides a thread-safe status tracker for the env-monitor daemon.
// It is read when building STARTUP, HEARTBEAT and SHUTDOWN system events.
package status

import (
	"sync"
	"time"

	"github.com/sweeney/env-monitor/internal/flame"
	"github.com/sweeney/env-monitor/internal/sensor"
)

// NetworkInfo contains network state. This is a local copy to avoid
// importing internal/mqtt from status.
type NetworkInfo struct {
	Type       string
	IP         string
	Status     string
	Gateway    string
	WifiStatus string
	SSID       string
}

// Config contains daemon configuration for display.
type Config struct {
	Chip           string
	DHTPin         int
	FlamePin       int
	BuzzerPin      int
	Polarity       string
	PollMs         int64
	SampleSchedule string
	HeartbeatMs    int64
	Broker         string
}

// Snapshot is a point-in-time view of daemon state.
// It is a value type, safe to use after the lock is released.
type Snapshot struct {
	LastReading    *sensor.Reading
	LastReadingAt  time.Time
	Samples        int
	SampleFailures int
	LastSampleErr  string

	FlameDetected bool
	Alarms        int64
	MonitorState  flame.State
	MonitorErr    string

	StartTime     time.Time
	Now           time.Time
	MQTTConnected bool
	Network       *NetworkInfo
	Config        Config
}

// Uptime returns the duration since the daemon started.
func (s Snapshot) Uptime() time.Duration {
	return s.Now.Sub(s.StartTime)
}

// Tracker holds mutable daemon state behind an RWMutex.
type Tracker struct {
	mu   sync.RWMutex
	snap Snapshot
}

// NewTracker creates a Tracker with the given start time and config.
func NewTracker(startTime time.Time, cfg Config) *Tracker {
	return &Tracker{
		snap: Snapshot{
			StartTime: startTime,
			Config:    cfg,
		},
	}
}

// RecordReading stores the latest successful sample.
func (t *Tracker) RecordReading(r sensor.Reading, at time.Time) {
	t.mu.Lock()
	t.snap.LastReading = &r
	t.snap.LastReadingAt = at
	t.snap.Samples++
	t.snap.LastSampleErr = ""
	t.mu.Unlock()
}

// RecordSampleFailure counts a sample that failed after all retries.
func (t *Tracker) RecordSampleFailure(err error) {
	t.mu.Lock()
	t.snap.SampleFailures++
	if err != nil {
		t.snap.LastSampleErr = err.Error()
	}
	t.mu.Unlock()
}

// SetFlame records the current flame state and alarm count.
func (t *Tracker) SetFlame(detected bool, alarms int64) {
	t.mu.Lock()
	t.snap.FlameDetected = detected
	t.snap.Alarms = alarms
	t.mu.Unlock()
}

// SetMonitorState records the flame monitor lifecycle state and terminal error, if any.
func (t *Tracker) SetMonitorState(state flame.State, err error) {
	t.mu.Lock()
	t.snap.MonitorState = state
	t.snap.MonitorErr = ""
	if err != nil {
		t.snap.MonitorErr = err.Error()
	}
	t.mu.Unlock()
}

// SetMQTTConnected sets the MQTT connection status.
func (t *Tracker) SetMQTTConnected(connected bool) {
	t.mu.Lock()
	t.snap.MQTTConnected = connected
	t.mu.Unlock()
}

// SetNetwork sets the network info.
func (t *Tracker) SetNetwork(info *NetworkInfo) {
	t.mu.Lock()
	t.snap.Network = info
	t.mu.Unlock()
}

// Snapshot returns a point-in-time copy of the daemon state.
// The Now field is set to the current time at the moment of the call.
func (t *Tracker) Snapshot() Snapshot {
	t.mu.RLock()
	s := t.snap
	t.mu.RUnlock()
	if s.LastReading != nil {
		r := *s.LastReading
		s.LastReading = &r
	}
	s.Now = time.Now()
	return s
}
