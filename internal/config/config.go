// Package config holds the daemon's bootstrap configuration (YAML) and the
// shapes of the module and broker configuration files (JSON).
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// ErrInvalid is wrapped by every validation failure.
var ErrInvalid = errors.New("invalid configuration")

// EnvDataDir overrides Config.DataDir when set.
const EnvDataDir = "POOL_CONTROLLER_DATA_DIR"

// File names inside DataDir.
const (
	ModulesFile = "modules.config.json"
	MQTTFile    = "mqtt.config.json"
	StoreFile   = "settings.db"
)

// Config is the bootstrap configuration read from pool-controller.yaml.
type Config struct {
	DataDir string        `yaml:"data_dir"`
	HTTP    string        `yaml:"http"`
	Logging LoggingConfig `yaml:"logging"`
	GPIO    GPIOConfig    `yaml:"gpio"`
	Timing  TimingConfig  `yaml:"timing"`
}

// LoggingConfig selects level, format (json|text) and output (stdout|stderr).
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// GPIOConfig selects the GpioPort driver.
type GPIOConfig struct {
	// Driver is "cdev" (Linux GPIO character device) or "pigpiod".
	Driver       string `yaml:"driver"`
	Chip         string `yaml:"chip"`
	PigpiodAddr  string `yaml:"pigpiod_addr"`
	PWMFrequency int    `yaml:"pwm_frequency"`
}

// TimingConfig collects every interval the controller runs on.
type TimingConfig struct {
	CycleCheckInterval time.Duration `yaml:"cycle_check_interval"`
	PumpGrace          time.Duration `yaml:"pump_grace"`
	PumpRetryMin       time.Duration `yaml:"pump_retry_min"`
	PumpRetryMax       time.Duration `yaml:"pump_retry_max"`
	ConfigSettle       time.Duration `yaml:"config_settle"`
	NetworkPoll        time.Duration `yaml:"network_poll"`
	SensorPoll         time.Duration `yaml:"sensor_poll"`
}

// Defaults returns the configuration used when no file is present.
func Defaults() Config {
	return Config{
		DataDir: "/var/lib/pool-controller",
		HTTP:    ":80",
		Logging: LoggingConfig{Level: "info", Format: "text", Output: "stdout"},
		GPIO: GPIOConfig{
			Driver:       "cdev",
			Chip:         "gpiochip0",
			PigpiodAddr:  "localhost:8888",
			PWMFrequency: 100,
		},
		Timing: TimingConfig{
			CycleCheckInterval: time.Hour,
			PumpGrace:          5 * time.Second,
			PumpRetryMin:       time.Second,
			PumpRetryMax:       30 * time.Second,
			ConfigSettle:       time.Second,
			NetworkPoll:        5 * time.Second,
			SensorPoll:         10 * time.Second,
		},
	}
}

// Load reads path over the defaults. A missing file is not an error.
func Load(path string) (Config, error) {
	cfg := Defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return Config{}, fmt.Errorf("parse %s: %w", path, err)
			}
		case errors.Is(err, os.ErrNotExist):
		default:
			return Config{}, fmt.Errorf("read %s: %w", path, err)
		}
	}

	if dir := os.Getenv(EnvDataDir); dir != "" {
		cfg.DataDir = dir
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the fields the daemon cannot run without.
func (c Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("%w: data_dir is required", ErrInvalid)
	}
	switch c.GPIO.Driver {
	case "cdev", "pigpiod":
	default:
		return fmt.Errorf("%w: gpio.driver %q (want cdev or pigpiod)", ErrInvalid, c.GPIO.Driver)
	}
	if c.GPIO.Driver == "pigpiod" && c.GPIO.PigpiodAddr == "" {
		return fmt.Errorf("%w: gpio.pigpiod_addr is required for the pigpiod driver", ErrInvalid)
	}
	if c.GPIO.PWMFrequency <= 0 {
		return fmt.Errorf("%w: gpio.pwm_frequency must be positive", ErrInvalid)
	}
	t := c.Timing
	for name, d := range map[string]time.Duration{
		"cycle_check_interval": t.CycleCheckInterval,
		"pump_grace":           t.PumpGrace,
		"pump_retry_min":       t.PumpRetryMin,
		"pump_retry_max":       t.PumpRetryMax,
		"network_poll":         t.NetworkPoll,
		"sensor_poll":          t.SensorPoll,
	} {
		if d <= 0 {
			return fmt.Errorf("%w: timing.%s must be positive", ErrInvalid, name)
		}
	}
	if t.PumpRetryMax < t.PumpRetryMin {
		return fmt.Errorf("%w: timing.pump_retry_max is below pump_retry_min", ErrInvalid)
	}
	return nil
}

// ModulesPath is the module configuration file inside DataDir.
func (c Config) ModulesPath() string { return filepath.Join(c.DataDir, ModulesFile) }

// MQTTPath is the broker configuration file inside DataDir.
func (c Config) MQTTPath() string { return filepath.Join(c.DataDir, MQTTFile) }

// StorePath is the settings database inside DataDir.
func (c Config) StorePath() string { return filepath.Join(c.DataDir, StoreFile) }
