package server

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/shaunagostinho/ecometer-dash/internal/ecometer"
	"github.com/shaunagostinho/ecometer-dash/internal/logger"
	"github.com/shaunagostinho/ecometer-dash/internal/mqtt"
)

// Config holds all dashboard configuration.
type Config struct {
	mu sync.RWMutex

	// Sensor
	Device DeviceConfig `yaml:"device" json:"device"`

	// Display preferences
	Display DisplayConfig `yaml:"display" json:"display"`

	// CSV recording and debug output
	Logging LoggingConfig `yaml:"logging" json:"logging"`

	// Home automation
	MQTT mqtt.Config `yaml:"mqtt" json:"mqtt"`

	// Server
	Server ServerConfig `yaml:"server" json:"server"`

	path string // file path for save/load
}

type DeviceConfig struct {
	ecometer.Config `yaml:",inline"`

	Type           string `yaml:"type" json:"type"` // "serial" or "demo"
	DemoIntervalMs int    `yaml:"demo_interval_ms" json:"demoIntervalMs"`
}

type DisplayConfig struct {
	TankName    string          `yaml:"tank_name" json:"tankName"`
	VolumeUnit  string          `yaml:"volume_unit" json:"volumeUnit"`           // "L" or "gal"
	Temperature string          `yaml:"temperature_unit" json:"temperatureUnit"` // "C" or "F"
	Thresholds  ThresholdConfig `yaml:"thresholds" json:"thresholds"`
}

type ThresholdConfig struct {
	LowWarn   float64 `yaml:"low_warn" json:"lowWarn"`     // %
	LowDanger float64 `yaml:"low_danger" json:"lowDanger"` // %
	FreezeC   float64 `yaml:"freeze_c" json:"freezeC"`     // °C
}

type LoggingConfig struct {
	logger.Config `yaml:",inline"`

	Debug bool `yaml:"debug" json:"debug"`
}

type ServerConfig struct {
	ListenAddr       string `yaml:"listen_addr" json:"listenAddr"`
	StatusIntervalMs int    `yaml:"status_interval_ms" json:"statusIntervalMs"`
}

const defaultConfigPath = "/etc/ecometer-dash/config.yaml"

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		path: defaultConfigPath,
		Device: DeviceConfig{
			Type: "serial",
			Config: ecometer.Config{
				Port:       "/dev/ttyUSB0",
				TankHeight: 190,
				Offset:     11,
				Serial: ecometer.PortOptions{
					BaudRate:    ecometer.DefaultBaudRate,
					DataBits:    8,
					StopBits:    1,
					Parity:      "N",
					ReadTimeout: ecometer.DefaultReadTimeout,
				},
			},
			DemoIntervalMs: 1000,
		},
		Display: DisplayConfig{
			TankName:    "Tank",
			VolumeUnit:  "L",
			Temperature: "C",
			Thresholds: ThresholdConfig{
				LowWarn:   25,
				LowDanger: 10,
				FreezeC:   2,
			},
		},
		Logging: LoggingConfig{
			Config: logger.Config{
				Enabled:    false,
				Path:       "/var/log/ecometer-dash",
				IntervalMs: 60_000,
			},
		},
		MQTT: mqtt.Config{
			Enabled:     false,
			Broker:      "tcp://localhost:1883",
			ClientID:    "ecometer-dash",
			TopicPrefix: "ecometer",
			QoS:         1,
			Retain:      true,
		},
		Server: ServerConfig{
			ListenAddr:       ":8080",
			StatusIntervalMs: 5000,
		},
	}
}

// LoadConfig reads config from a YAML file, then applies .env and environment
// variable overrides. Falls back to defaults if YAML not found.
func LoadConfig(path string) *Config {
	if path == "" {
		path = defaultConfigPath
	}
	cfg := DefaultConfig()
	cfg.path = path

	data, err := os.ReadFile(path)
	if err != nil {
		log.Printf("[config] no config at %s, using defaults", path)
	} else if err := yaml.Unmarshal(data, cfg); err != nil {
		log.Printf("[config] error parsing %s: %v, using defaults", path, err)
		cfg = DefaultConfig()
		cfg.path = path
	} else {
		log.Printf("[config] loaded from %s", path)
	}

	// Load .env file from the same directory as the config, or from CWD
	envPaths := []string{
		filepath.Join(filepath.Dir(path), ".env"),
		".env",
	}
	for _, ep := range envPaths {
		loadEnvFile(ep)
	}

	cfg.applyEnvOverrides()
	return cfg
}

// loadEnvFile reads a simple KEY=VALUE .env file and sets os env vars.
func loadEnvFile(path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		return
	}
	log.Printf("[config] loading .env from %s", path)
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		val := strings.Trim(strings.TrimSpace(parts[1]), `"'`)
		// real env takes precedence
		if os.Getenv(key) == "" {
			os.Setenv(key, val)
		}
	}
}

// applyEnvOverrides reads environment variables and overrides config values.
// Supported: DEVICE_TYPE, ECOMETER_PORT, ECOMETER_BAUD, ECOMETER_READ_TIMEOUT,
// TANK_HEIGHT, SENSOR_OFFSET, LISTEN_ADDR, MQTT_ENABLED, MQTT_BROKER,
// MQTT_TOPIC, MQTT_USERNAME, MQTT_PASSWORD, LOG_ENABLED, LOG_PATH,
// LOG_INTERVAL_MS, LOG_DEBUG
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("DEVICE_TYPE"); v != "" {
		c.Device.Type = v
	}
	if v := os.Getenv("ECOMETER_PORT"); v != "" {
		c.Device.Port = v
	}
	if v := os.Getenv("ECOMETER_BAUD"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Device.Serial.BaudRate = n
		}
	}
	if v := os.Getenv("ECOMETER_READ_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Device.Serial.ReadTimeout = d
		}
	}
	if v := os.Getenv("TANK_HEIGHT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Device.TankHeight = n
		}
	}
	if v := os.Getenv("SENSOR_OFFSET"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Device.Offset = n
		}
	}
	if v := os.Getenv("LISTEN_ADDR"); v != "" {
		c.Server.ListenAddr = v
	}
	// MQTT
	if v := os.Getenv("MQTT_ENABLED"); v != "" {
		c.MQTT.Enabled = isTrue(v)
	}
	if v := os.Getenv("MQTT_BROKER"); v != "" {
		c.MQTT.Broker = v
	}
	if v := os.Getenv("MQTT_TOPIC"); v != "" {
		c.MQTT.TopicPrefix = v
	}
	if v := os.Getenv("MQTT_USERNAME"); v != "" {
		c.MQTT.Username = v
	}
	if v := os.Getenv("MQTT_PASSWORD"); v != "" {
		c.MQTT.Password = v
	}
	// Logging
	if v := os.Getenv("LOG_ENABLED"); v != "" {
		c.Logging.Enabled = isTrue(v)
	}
	if v := os.Getenv("LOG_PATH"); v != "" {
		c.Logging.Path = v
	}
	if v := os.Getenv("LOG_INTERVAL_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Logging.IntervalMs = n
		}
	}
	if v := os.Getenv("LOG_DEBUG"); v != "" {
		c.Logging.Debug = isTrue(v)
	}
}

func isTrue(v string) bool {
	return v == "1" || v == "true" || v == "yes"
}

// SessionConfig returns the device settings for ecometer.NewSession.
func (c *Config) SessionConfig() ecometer.Config {
	c.mu.RLock()
	defer c.mu.RUnlock()
	sc := c.Device.Config
	sc.Debug = sc.Debug || c.Logging.Debug
	return sc
}

// Save writes the config to its YAML file.
func (c *Config) Save() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	return os.WriteFile(c.path, data, 0644)
}

// ToJSON serializes config for the API.
func (c *Config) ToJSON() ([]byte, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return json.Marshal(c)
}

// LoggingEnabled reports whether CSV recording is switched on.
func (c *Config) LoggingEnabled() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Logging.Enabled
}

// DisplaySnapshot returns a copy of the display settings.
func (c *Config) DisplaySnapshot() DisplayConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Display
}

// UpdateFromJSON applies a partial JSON config update by deep-merging
// incoming fields into the existing config. Fields not present in the
// incoming JSON are preserved. Device, MQTT and server settings take
// effect on restart; logging.enabled is applied by the server immediately.
func (c *Config) UpdateFromJSON(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	currentBytes, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal current config: %w", err)
	}
	var base map[string]interface{}
	if err := json.Unmarshal(currentBytes, &base); err != nil {
		return fmt.Errorf("unmarshal current config: %w", err)
	}

	var patch map[string]interface{}
	if err := json.Unmarshal(data, &patch); err != nil {
		return fmt.Errorf("unmarshal patch: %w", err)
	}

	deepMerge(base, patch)

	merged, err := json.Marshal(base)
	if err != nil {
		return fmt.Errorf("marshal merged config: %w", err)
	}
	return json.Unmarshal(merged, c)
}

// deepMerge recursively merges src into dst. For nested maps, values are
// merged rather than replaced. For all other types, src overwrites dst.
func deepMerge(dst, src map[string]interface{}) {
	for key, srcVal := range src {
		if srcMap, ok := srcVal.(map[string]interface{}); ok {
			if dstMap, ok := dst[key].(map[string]interface{}); ok {
				deepMerge(dstMap, srcMap)
				continue
			}
		}
		dst[key] = srcVal
	}
}
