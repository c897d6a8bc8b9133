package status

import (
	"encoding/json"
	"time"
)

// StatusJSON is the top-level JSON envelope for status output.
type StatusJSON struct {
	Status StatusInner `json:"status"`
}

// StatusInner contains the status details.
type StatusInner struct {
	Event         string       `json:"event,omitempty"`
	Reason        string       `json:"reason,omitempty"`
	UptimeSeconds int64        `json:"uptime_seconds"`
	StartTime     string       `json:"start_time"`
	Timestamp     string       `json:"timestamp"`
	Climate       ClimateJSON  `json:"climate"`
	Flame         FlameJSON    `json:"flame"`
	MQTT          MQTTStatus   `json:"mqtt"`
	Network       *NetworkJSON `json:"network,omitempty"`
	Config        ConfigJSON   `json:"config"`
}

// ClimateJSON reports the most recent temperature/humidity sample.
type ClimateJSON struct {
	TemperatureC *float64 `json:"temperature_c"`
	HumidityPct  *float64 `json:"humidity_pct"`
	ReadAt       string   `json:"read_at,omitempty"`
	Samples      int      `json:"samples"`
	Failures     int      `json:"failures"`
	LastError    string   `json:"last_error,omitempty"`
}

// FlameJSON reports flame monitor state.
type FlameJSON struct {
	Detected bool   `json:"detected"`
	Alarms   int64  `json:"alarms"`
	Monitor  string `json:"monitor"`
	Error    string `json:"error,omitempty"`
}

// MQTTStatus reports MQTT connection state.
type MQTTStatus struct {
	Connected bool   `json:"connected"`
	Broker    string `json:"broker"`
}

// NetworkJSON is the JSON representation of network info.
type NetworkJSON struct {
	Type       string `json:"type"`
	IP         string `json:"ip"`
	Status     string `json:"status"`
	Gateway    string `json:"gateway"`
	WifiStatus string `json:"wifi_status"`
	SSID       string `json:"ssid"`
}

// ConfigJSON is the JSON representation of daemon config.
type ConfigJSON struct {
	Chip           string `json:"chip"`
	DHTPin         int    `json:"dht_pin"`
	FlamePin       int    `json:"flame_pin"`
	BuzzerPin      int    `json:"buzzer_pin"`
	Polarity       string `json:"polarity"`
	PollMs         int64  `json:"poll_ms"`
	SampleSchedule string `json:"sample_schedule"`
	HeartbeatMs    int64  `json:"heartbeat_ms"`
	Broker         string `json:"broker"`
}

func buildInner(snap Snapshot) StatusInner {
	inner := StatusInner{
		UptimeSeconds: int64(snap.Uptime().Truncate(time.Second).Seconds()),
		StartTime:     snap.StartTime.UTC().Format(time.RFC3339),
		Timestamp:     snap.Now.UTC().Format(time.RFC3339),
		Climate: ClimateJSON{
			Samples:   snap.Samples,
			Failures:  snap.SampleFailures,
			LastError: snap.LastSampleErr,
		},
		Flame: FlameJSON{
			Detected: snap.FlameDetected,
			Alarms:   snap.Alarms,
			Monitor:  snap.MonitorState.String(),
			Error:    snap.MonitorErr,
		},
		MQTT: MQTTStatus{Connected: snap.MQTTConnected, Broker: snap.Config.Broker},
		Config: ConfigJSON{
			Chip:           snap.Config.Chip,
			DHTPin:         snap.Config.DHTPin,
			FlamePin:       snap.Config.FlamePin,
			BuzzerPin:      snap.Config.BuzzerPin,
			Polarity:       snap.Config.Polarity,
			PollMs:         snap.Config.PollMs,
			SampleSchedule: snap.Config.SampleSchedule,
			HeartbeatMs:    snap.Config.HeartbeatMs,
			Broker:         snap.Config.Broker,
		},
	}
	if r := snap.LastReading; r != nil {
		temp, hum := r.Temperature, r.Humidity
		inner.Climate.TemperatureC = &temp
		inner.Climate.HumidityPct = &hum
		inner.Climate.ReadAt = snap.LastReadingAt.UTC().Format(time.RFC3339)
	}
	return inner
}

func buildNetwork(snap Snapshot, inner *StatusInner) {
	if snap.Network != nil {
		inner.Network = &NetworkJSON{
			Type:       snap.Network.Type,
			IP:         snap.Network.IP,
			Status:     snap.Network.Status,
			Gateway:    snap.Network.Gateway,
			WifiStatus: snap.Network.WifiStatus,
			SSID:       snap.Network.SSID,
		}
	}
}

// FormatJSON returns the indented JSON status for -print-state (no event/reason).
func FormatJSON(snap Snapshot) []byte {
	inner := buildInner(snap)
	buildNetwork(snap, &inner)

	data, _ := json.MarshalIndent(StatusJSON{Status: inner}, "", "  ")
	return data
}

// FormatStatusEvent returns the JSON status for an MQTT system event.
func FormatStatusEvent(snap Snapshot, event, reason string) []byte {
	inner := buildInner(snap)
	inner.Event = event
	inner.Reason = reason
	buildNetwork(snap, &inner)

	data, _ := json.Marshal(StatusJSON{Status: inner})
	return data
}
