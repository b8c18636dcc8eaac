// Package config handles Pencraft configuration loading.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/pencraft/config.yaml, /etc/pencraft/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "pencraft", "config.yaml"))
	}

	paths = append(paths, "/etc/pencraft/config.yaml")
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

// Config holds all Pencraft configuration.
type Config struct {
	Telegram  TelegramConfig  `yaml:"telegram"`
	Providers ProvidersConfig `yaml:"providers"`
	Tasks     TasksConfig     `yaml:"tasks"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Delivery  DeliveryConfig  `yaml:"delivery"`
	Listen    ListenConfig    `yaml:"listen"`
	LogLevel  string          `yaml:"log_level"`
}

// TelegramConfig defines the bot transport settings. Changing the token
// requires a transport reconnect; everything else is hot-reloadable.
type TelegramConfig struct {
	Token          string `yaml:"token"`
	PollTimeoutSec int    `yaml:"poll_timeout_sec"` // long-poll timeout (default 30)
}

// ProvidersConfig defines the primary and backup model backends.
type ProvidersConfig struct {
	Primary       ProviderConfig `yaml:"primary"`
	Backup        ProviderConfig `yaml:"backup"`
	BackupEnabled bool           `yaml:"backup_enabled"`
}

// ProviderConfig defines a single model backend.
type ProviderConfig struct {
	APIKey  string `yaml:"api_key"`
	Model   string `yaml:"model"`
	BaseURL string `yaml:"base_url"` // optional, for OpenAI-compatible gateways
}

// TasksConfig holds per-stage generation budgets. A zero TimeoutSec falls
// back to DefaultTimeoutSec.
type TasksConfig struct {
	DefaultTimeoutSec int        `yaml:"default_timeout_sec"`
	Titles            TaskConfig `yaml:"titles"`
	Outline           TaskConfig `yaml:"outline"`
	Article           TaskConfig `yaml:"article"`
}

// TaskConfig defines one stage's token budget and timeout.
type TaskConfig struct {
	MaxTokens  int `yaml:"max_tokens"`
	TimeoutSec int `yaml:"timeout_sec"`
}

// Timeout returns the task timeout, falling back to the given default.
func (t TaskConfig) Timeout(def time.Duration) time.Duration {
	if t.TimeoutSec > 0 {
		return time.Duration(t.TimeoutSec) * time.Second
	}
	return def
}

// RateLimitConfig defines the per-user admission filter.
type RateLimitConfig struct {
	RequestsPerMinute int `yaml:"requests_per_minute"`
}

// DeliveryConfig defines the outbound automation endpoint.
type DeliveryConfig struct {
	Endpoint string `yaml:"endpoint"`
}

// ListenConfig defines the ops HTTP server settings.
type ListenConfig struct {
	Address string `yaml:"address"` // bind address (default: "" = all interfaces)
	Port    int    `yaml:"port"`
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
		Telegram: TelegramConfig{
			PollTimeoutSec: 30,
		},
		Providers: ProvidersConfig{
			Primary: ProviderConfig{Model: "gpt-4o-mini"},
			Backup:  ProviderConfig{Model: "claude-3-5-haiku-20241022"},
		},
		Tasks: TasksConfig{
			DefaultTimeoutSec: 60,
			Titles:            TaskConfig{MaxTokens: 1024},
			Outline:           TaskConfig{MaxTokens: 2048, TimeoutSec: 90},
			Article:           TaskConfig{MaxTokens: 8192, TimeoutSec: 300},
		},
		RateLimit: RateLimitConfig{
			RequestsPerMinute: 10,
		},
		Listen: ListenConfig{Port: 8090},
	}
}
