// Package config loads daemon configuration from defaults, an optional YAML
// file, ENVMON_* environment variables and command-line overrides, in that
// order of increasing precedence.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/sweeney/env-monitor/internal/flame"
	"github.com/sweeney/env-monitor/internal/sampler"
)

// EnvPrefix is prepended to environment variable names, e.g. ENVMON_FLAME_PIN.
const EnvPrefix = "ENVMON"

// Config is the full daemon configuration.
type Config struct {
	GPIO      GPIOConfig    `mapstructure:"gpio"`
	DHT       DHTConfig     `mapstructure:"dht"`
	Flame     FlameConfig   `mapstructure:"flame"`
	Sample    SampleConfig  `mapstructure:"sample"`
	MQTT      MQTTConfig    `mapstructure:"mqtt"`
	Heartbeat time.Duration `mapstructure:"heartbeat"`
	Log       LogConfig     `mapstructure:"log"`
}

// GPIOConfig selects the character device.
type GPIOConfig struct {
	Chip string `mapstructure:"chip"`
}

// DHTConfig configures the temperature/humidity sensor.
type DHTConfig struct {
	Pin int `mapstructure:"pin"`
}

// FlameConfig configures the flame monitor.
type FlameConfig struct {
	Pin              int           `mapstructure:"pin"`
	BuzzerPin        int           `mapstructure:"buzzer_pin"`
	Polarity         string        `mapstructure:"polarity"`
	BuzzerActiveHigh bool          `mapstructure:"buzzer_active_high"`
	PollInterval     time.Duration `mapstructure:"poll_interval"`
	MaxReadFailures  int           `mapstructure:"max_read_failures"`
}

// SampleConfig configures periodic temperature sampling.
type SampleConfig struct {
	Schedule        string        `mapstructure:"schedule"`
	MinInterval     time.Duration `mapstructure:"min_interval"`
	Retries         int           `mapstructure:"retries"`
	BreakerFailures uint32        `mapstructure:"breaker_failures"`
	BreakerTimeout  time.Duration `mapstructure:"breaker_timeout"`
}

// MQTTConfig configures event egress. An empty Broker disables MQTT.
type MQTTConfig struct {
	Broker   string `mapstructure:"broker"`
	ClientID string `mapstructure:"client_id"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level string `mapstructure:"level"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("gpio.chip", "gpiochip0")
	v.SetDefault("dht.pin", 17)
	v.SetDefault("flame.pin", 27)
	v.SetDefault("flame.buzzer_pin", 22)
	v.SetDefault("flame.polarity", "high")
	v.SetDefault("flame.buzzer_active_high", false)
	v.SetDefault("flame.poll_interval", 100*time.Millisecond)
	v.SetDefault("flame.max_read_failures", flame.DefaultMaxReadFailures)
	v.SetDefault("sample.schedule", sampler.DefaultSchedule)
	v.SetDefault("sample.min_interval", sampler.DefaultMinInterval)
	v.SetDefault("sample.retries", sampler.DefaultRetries)
	v.SetDefault("sample.breaker_failures", sampler.DefaultBreakerFailures)
	v.SetDefault("sample.breaker_timeout", sampler.DefaultBreakerTimeout)
	v.SetDefault("mqtt.broker", "tcp://localhost:1883")
	v.SetDefault("mqtt.client_id", "env-monitor")
	v.SetDefault("heartbeat", 15*time.Minute)
	v.SetDefault("log.level", "info")
}

// Default returns the configuration with no file, environment or overrides.
func Default() Config {
	cfg, _ := Load("", nil)
	return cfg
}

// Load reads configuration. path may be empty. overrides maps dotted keys to
// values and takes precedence over everything else; the daemon fills it from
// flags that were set explicitly.
func Load(path string, overrides map[string]any) (Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	for k, val := range overrides {
		v.Set(k, val)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	return cfg, nil
}

// Validate reports every invalid setting.
func (c Config) Validate() error {
	var errs []error
	if c.GPIO.Chip == "" {
		errs = append(errs, errors.New("gpio.chip must be set"))
	}
	pins := []struct {
		key string
		pin int
	}{
		{"dht.pin", c.DHT.Pin},
		{"flame.pin", c.Flame.Pin},
		{"flame.buzzer_pin", c.Flame.BuzzerPin},
	}
	for _, p := range pins {
		if p.pin < 0 {
			errs = append(errs, fmt.Errorf("%s must not be negative, got %d", p.key, p.pin))
		}
	}
	if c.Flame.Pin == c.Flame.BuzzerPin {
		errs = append(errs, fmt.Errorf("flame.pin and flame.buzzer_pin must differ, both %d", c.Flame.Pin))
	}
	if c.DHT.Pin == c.Flame.Pin || c.DHT.Pin == c.Flame.BuzzerPin {
		errs = append(errs, fmt.Errorf("dht.pin %d is already used by the flame monitor", c.DHT.Pin))
	}
	if _, err := flame.ParsePolarity(c.Flame.Polarity); err != nil {
		errs = append(errs, fmt.Errorf("flame.polarity: %w", err))
	}
	if c.Flame.PollInterval <= 0 {
		errs = append(errs, fmt.Errorf("flame.poll_interval must be positive, got %v", c.Flame.PollInterval))
	}
	if c.Flame.MaxReadFailures <= 0 {
		errs = append(errs, fmt.Errorf("flame.max_read_failures must be positive, got %d", c.Flame.MaxReadFailures))
	}
	if _, err := sampler.ParseSchedule(c.Sample.Schedule); err != nil {
		errs = append(errs, fmt.Errorf("sample.schedule: %w", err))
	}
	if c.Sample.MinInterval < 0 {
		errs = append(errs, fmt.Errorf("sample.min_interval must not be negative, got %v", c.Sample.MinInterval))
	}
	if c.Sample.Retries < 0 {
		errs = append(errs, fmt.Errorf("sample.retries must not be negative, got %d", c.Sample.Retries))
	}
	if c.Heartbeat < 0 {
		errs = append(errs, fmt.Errorf("heartbeat must not be negative, got %v", c.Heartbeat))
	}
	return errors.Join(errs...)
}

// SamplerConfig converts the sample section for the sampler package.
func (c Config) SamplerConfig() sampler.Config {
	return sampler.Config{
		Schedule:        c.Sample.Schedule,
		MinInterval:     c.Sample.MinInterval,
		Retries:         c.Sample.Retries,
		BreakerFailures: c.Sample.BreakerFailures,
		BreakerTimeout:  c.Sample.BreakerTimeout,
	}
}

// MonitorConfig converts the flame section for the flame package. Validate
// must have passed.
func (c Config) MonitorConfig() flame.Config {
	pol, _ := flame.ParsePolarity(c.Flame.Polarity)
	return flame.Config{
		FlamePin:         c.Flame.Pin,
		BuzzerPin:        c.Flame.BuzzerPin,
		Polarity:         pol,
		BuzzerActiveHigh: c.Flame.BuzzerActiveHigh,
		MaxReadFailures:  c.Flame.MaxReadFailures,
	}
}
