// Package config handles Verdant configuration loading.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/verdant/config.yaml, /etc/verdant/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "verdant", "config.yaml"))
	}

	paths = append(paths, "/etc/verdant/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns the path found, or an error if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all Verdant configuration.
type Config struct {
	Listen   ListenConfig   `yaml:"listen"`
	Models   ModelsConfig   `yaml:"models"`
	Analysis AnalysisConfig `yaml:"analysis"`
	Weather  WeatherConfig  `yaml:"weather"`
	Keys     KeysConfig     `yaml:"keys"`
	DataDir  string         `yaml:"data_dir"`
	LogLevel string         `yaml:"log_level"`
}

// ListenConfig defines the API server settings.
type ListenConfig struct {
	Address string `yaml:"address"` // Bind address (default: "" = all interfaces)
	Port    int    `yaml:"port"`
}

// ModelsConfig defines which model each provider uses.
type ModelsConfig struct {
	Anthropic string `yaml:"anthropic"`
	OpenAI    string `yaml:"openai"`
}

// AnalysisConfig defines the scheduled analysis pipeline settings.
type AnalysisConfig struct {
	// DailyAt is the local wall-clock time ("HH:MM") when the daily
	// analysis trigger fires.
	DailyAt string `yaml:"daily_at"`
	// Timezone is the IANA timezone for DailyAt. Empty means local time.
	Timezone string `yaml:"timezone"`
	// RequestTimeoutSec bounds each outbound LLM call (default 120).
	RequestTimeoutSec int `yaml:"request_timeout_sec"`
	// MaxAttempts is how many times a failed zone job is retried
	// before it is marked failed for good (default 3).
	MaxAttempts int `yaml:"max_attempts"`
}

// WeatherConfig defines weather snapshot settings.
type WeatherConfig struct {
	// TemperatureUnit is "celsius" or "fahrenheit" (default celsius).
	TemperatureUnit string `yaml:"temperature_unit"`
}

// KeysConfig defines the encrypted API-key store settings.
type KeysConfig struct {
	// MasterKey seals per-user provider keys at rest. Required when
	// any user stores an API key.
	MasterKey string `yaml:"master_key"`
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Default returns a default configuration.
func Default() *Config {
	return &Config{
		Listen:  ListenConfig{Port: 8080},
		DataDir: "data",
		Models: ModelsConfig{
			Anthropic: "claude-sonnet-4-20250514",
			OpenAI:    "gpt-4o-mini",
		},
		Analysis: AnalysisConfig{
			DailyAt:           "06:00",
			RequestTimeoutSec: 120,
			MaxAttempts:       3,
		},
		Weather: WeatherConfig{TemperatureUnit: "celsius"},
	}
}

// RequestTimeoutOrDefault returns the configured LLM request timeout in
// seconds, falling back to 120 when unset.
func (a AnalysisConfig) RequestTimeoutOrDefault() int {
	if a.RequestTimeoutSec <= 0 {
		return 120
	}
	return a.RequestTimeoutSec
}
