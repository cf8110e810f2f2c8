// Package config loads the YAML configuration shared by the provisioning
// CLI and the telemetry daemon.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that unmarshals from YAML strings like "10s".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config holds all application configuration.
type Config struct {
	Account  AccountConfig `yaml:"account"`
	BLE      BLEConfig     `yaml:"ble"`
	DB       DBConfig      `yaml:"db"`
	MQTT     MQTTConfig    `yaml:"mqtt"`
	HTTP     HTTPConfig    `yaml:"http"`
	LogLevel string        `yaml:"log_level"`
}

// AccountConfig identifies the signed-in user for provisioning.
type AccountConfig struct {
	UserID string `yaml:"user_id"`
	Email  string `yaml:"email"`
}

// BLEConfig holds scan and connect settings.
type BLEConfig struct {
	ScanTimeout    Duration `yaml:"scan_timeout"`
	ConnectTimeout Duration `yaml:"connect_timeout"`
	AutoConnect    bool     `yaml:"auto_connect"`
}

// DBConfig holds the SQLite location.
type DBConfig struct {
	Path string `yaml:"path"`
}

// MQTTConfig holds broker settings for telemetry ingest.
type MQTTConfig struct {
	Broker   string `yaml:"broker"`
	Port     int    `yaml:"port"`
	ClientID string `yaml:"client_id"`
	Topic    string `yaml:"topic"`
}

// HTTPConfig holds the API listener settings.
type HTTPConfig struct {
	Addr string `yaml:"addr"`
}

// DefaultConfigDir returns the default config directory path.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "sensorlink")
}

// DefaultConfigPath returns the default config file path.
func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.yaml")
}

// Default returns a Config with sensible default values.
func Default() *Config {
	home, _ := os.UserHomeDir()
	dbPath := filepath.Join(home, ".local", "share", "sensorlink", "sensorlink.db")

	return &Config{
		BLE: BLEConfig{
			ScanTimeout:    Duration(10 * time.Second),
			ConnectTimeout: Duration(15 * time.Second),
			AutoConnect:    true,
		},
		DB: DBConfig{
			Path: dbPath,
		},
		MQTT: MQTTConfig{
			Broker:   "localhost",
			Port:     1883,
			ClientID: "sensorlink-telemetryd",
			Topic:    "hvasee/telemetry",
		},
		HTTP: HTTPConfig{
			Addr: ":8080",
		},
		LogLevel: "info",
	}
}

// Load reads and parses a YAML config file. Missing fields are filled with
// defaults. Tilde (~) in db.path is expanded to the user's home directory.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.DB.Path = expandTilde(cfg.DB.Path)

	return cfg, nil
}

// Validate checks the config for invalid values.
func (c *Config) Validate() error {
	if c.BLE.ScanTimeout <= 0 {
		return fmt.Errorf("ble.scan_timeout must be > 0")
	}
	if c.BLE.ConnectTimeout <= 0 {
		return fmt.Errorf("ble.connect_timeout must be > 0")
	}

	if c.DB.Path == "" {
		return fmt.Errorf("db.path must not be empty")
	}

	if c.MQTT.Broker == "" {
		return fmt.Errorf("mqtt.broker must not be empty")
	}
	if c.MQTT.Port <= 0 || c.MQTT.Port > 65535 {
		return fmt.Errorf("mqtt.port must be in 1..65535, got %d", c.MQTT.Port)
	}
	if c.MQTT.Topic == "" {
		return fmt.Errorf("mqtt.topic must not be empty")
	}

	if c.HTTP.Addr == "" {
		return fmt.Errorf("http.addr must not be empty")
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level must be debug, info, warn, or error, got %q", c.LogLevel)
	}

	return nil
}

// expandTilde replaces a leading ~ with the user's home directory.
func expandTilde(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[1:])
}
