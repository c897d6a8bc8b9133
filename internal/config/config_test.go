package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/sweeney/env-monitor/internal/flame"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.GPIO.Chip != "gpiochip0" {
		t.Errorf("gpio.chip = %q", cfg.GPIO.Chip)
	}
	if cfg.DHT.Pin != 17 || cfg.Flame.Pin != 27 || cfg.Flame.BuzzerPin != 22 {
		t.Errorf("pins = %d/%d/%d, want 17/27/22", cfg.DHT.Pin, cfg.Flame.Pin, cfg.Flame.BuzzerPin)
	}
	if cfg.Flame.Polarity != "high" {
		t.Errorf("flame.polarity = %q", cfg.Flame.Polarity)
	}
	if cfg.Flame.PollInterval != 100*time.Millisecond {
		t.Errorf("flame.poll_interval = %v", cfg.Flame.PollInterval)
	}
	if cfg.Flame.MaxReadFailures != flame.DefaultMaxReadFailures {
		t.Errorf("flame.max_read_failures = %d", cfg.Flame.MaxReadFailures)
	}
	if cfg.Sample.Schedule != "@every 5s" || cfg.Sample.MinInterval != 2*time.Second {
		t.Errorf("sample = %+v", cfg.Sample)
	}
	if cfg.Sample.Retries != 2 || cfg.Sample.BreakerFailures != 5 || cfg.Sample.BreakerTimeout != time.Minute {
		t.Errorf("sample = %+v", cfg.Sample)
	}
	if cfg.MQTT.Broker != "tcp://localhost:1883" || cfg.MQTT.ClientID != "env-monitor" {
		t.Errorf("mqtt = %+v", cfg.MQTT)
	}
	if cfg.Heartbeat != 15*time.Minute {
		t.Errorf("heartbeat = %v", cfg.Heartbeat)
	}
	if cfg.Log.Level != "info" {
		t.Errorf("log.level = %q", cfg.Log.Level)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("defaults should validate: %v", err)
	}
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "env-monitor.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadFile(t *testing.T) {
	path := writeConfig(t, `
gpio:
  chip: gpiochip4
flame:
  pin: 5
  polarity: low
  poll_interval: 250ms
  buzzer_active_high: true
sample:
  schedule: "*/1 * * * *"
mqtt:
  broker: ""
heartbeat: 0s
`)
	cfg, err := Load(path, nil)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.GPIO.Chip != "gpiochip4" {
		t.Errorf("gpio.chip = %q", cfg.GPIO.Chip)
	}
	if cfg.Flame.Pin != 5 || cfg.Flame.Polarity != "low" || !cfg.Flame.BuzzerActiveHigh {
		t.Errorf("flame = %+v", cfg.Flame)
	}
	if cfg.Flame.PollInterval != 250*time.Millisecond {
		t.Errorf("flame.poll_interval = %v", cfg.Flame.PollInterval)
	}
	if cfg.Sample.Schedule != "*/1 * * * *" {
		t.Errorf("sample.schedule = %q", cfg.Sample.Schedule)
	}
	if cfg.MQTT.Broker != "" {
		t.Errorf("mqtt.broker = %q, want empty", cfg.MQTT.Broker)
	}
	if cfg.Heartbeat != 0 {
		t.Errorf("heartbeat = %v, want 0", cfg.Heartbeat)
	}
	// Unset keys keep defaults.
	if cfg.DHT.Pin != 17 {
		t.Errorf("dht.pin = %d, want default 17", cfg.DHT.Pin)
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"), nil)
	if err == nil {
		t.Fatal("expected error for missing file")
	}
	if !strings.Contains(err.Error(), "read config") {
		t.Errorf("err = %v", err)
	}
}

func TestLoadEnvOverridesFile(t *testing.T) {
	path := writeConfig(t, "flame:\n  pin: 5\n")
	t.Setenv("ENVMON_FLAME_PIN", "6")
	t.Setenv("ENVMON_SAMPLE_MIN_INTERVAL", "3s")
	t.Setenv("ENVMON_LOG_LEVEL", "debug")

	cfg, err := Load(path, nil)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Flame.Pin != 6 {
		t.Errorf("flame.pin = %d, want 6 from env", cfg.Flame.Pin)
	}
	if cfg.Sample.MinInterval != 3*time.Second {
		t.Errorf("sample.min_interval = %v, want 3s", cfg.Sample.MinInterval)
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("log.level = %q", cfg.Log.Level)
	}
}

func TestLoadOverridesWin(t *testing.T) {
	t.Setenv("ENVMON_MQTT_BROKER", "tcp://env:1883")
	cfg, err := Load("", map[string]any{
		"mqtt.broker":         "tcp://flag:1883",
		"flame.poll_interval": "50ms",
	})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.MQTT.Broker != "tcp://flag:1883" {
		t.Errorf("mqtt.broker = %q, want flag value", cfg.MQTT.Broker)
	}
	if cfg.Flame.PollInterval != 50*time.Millisecond {
		t.Errorf("flame.poll_interval = %v", cfg.Flame.PollInterval)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"empty chip", func(c *Config) { c.GPIO.Chip = "" }, "gpio.chip"},
		{"negative pin", func(c *Config) { c.DHT.Pin = -1 }, "dht.pin must not be negative"},
		{"same flame and buzzer", func(c *Config) { c.Flame.BuzzerPin = c.Flame.Pin }, "must differ"},
		{"dht shares pin", func(c *Config) { c.DHT.Pin = c.Flame.BuzzerPin }, "already used"},
		{"bad polarity", func(c *Config) { c.Flame.Polarity = "sideways" }, "flame.polarity"},
		{"zero poll", func(c *Config) { c.Flame.PollInterval = 0 }, "flame.poll_interval"},
		{"zero max failures", func(c *Config) { c.Flame.MaxReadFailures = 0 }, "flame.max_read_failures"},
		{"bad schedule", func(c *Config) { c.Sample.Schedule = "whenever" }, "sample.schedule"},
		{"negative min interval", func(c *Config) { c.Sample.MinInterval = -time.Second }, "sample.min_interval"},
		{"negative retries", func(c *Config) { c.Sample.Retries = -1 }, "sample.retries"},
		{"negative heartbeat", func(c *Config) { c.Heartbeat = -time.Second }, "heartbeat"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("err = %v, want mention of %q", err, tt.want)
			}
		})
	}
}

func TestValidateReportsAll(t *testing.T) {
	cfg := Default()
	cfg.Flame.PollInterval = 0
	cfg.Sample.Retries = -1
	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "flame.poll_interval") || !strings.Contains(err.Error(), "sample.retries") {
		t.Errorf("err = %v, want both problems", err)
	}
}

func TestConversions(t *testing.T) {
	cfg := Default()
	cfg.Flame.Polarity = "low"
	cfg.Flame.BuzzerActiveHigh = true

	mc := cfg.MonitorConfig()
	if mc.FlamePin != 27 || mc.BuzzerPin != 22 || mc.Polarity != flame.ActiveLow || !mc.BuzzerActiveHigh {
		t.Errorf("MonitorConfig = %+v", mc)
	}
	if mc.MaxReadFailures != flame.DefaultMaxReadFailures {
		t.Errorf("MaxReadFailures = %d", mc.MaxReadFailures)
	}

	sc := cfg.SamplerConfig()
	if sc.Schedule != "@every 5s" || sc.Retries != 2 || sc.BreakerFailures != 5 {
		t.Errorf("SamplerConfig = %+v", sc)
	}
}
