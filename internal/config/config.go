// Package config provides configuration management for DiamondWire.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Config holds all DiamondWire configuration. It is loaded once at
// process start and passed explicitly into each component at
// construction; components never read ambient global state.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Store   StoreConfig   `yaml:"store"`
	Redis   RedisConfig   `yaml:"redis"`
	Ingest  IngestConfig  `yaml:"ingest"`
	Feeds   FeedsConfig   `yaml:"feeds"`
	Logging LoggingConfig `yaml:"logging"`
}

// ServerConfig holds HTTP server settings for the read-only query
// surface.
type ServerConfig struct {
	Port            int           `yaml:"port" validate:"gt=0,lte=65535"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// StoreConfig holds knowledge base settings.
type StoreConfig struct {
	Path string `yaml:"path" validate:"required"`
}

// RedisConfig holds the optional feed checkpoint backend.
type RedisConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Addr        string `yaml:"addr" validate:"required_if=Enabled true"`
	PasswordEnv string `yaml:"password_env"`
	DB          int    `yaml:"db"`
}

// IngestConfig holds the batch writer tunables.
type IngestConfig struct {
	BatchSize    int           `yaml:"batch_size" validate:"gt=0"`
	ChunkTimeout time.Duration `yaml:"chunk_timeout"`
}

// FeedsConfig holds per-source feed settings. Secrets are referenced by
// environment variable name only.
type FeedsConfig struct {
	Tracker TrackerFeedConfig `yaml:"tracker"`
	Pulse   PulseFeedConfig   `yaml:"pulse"`
	MISP    MISPFeedConfig    `yaml:"misp"`
	Attack  AttackFeedConfig  `yaml:"attack"`
}

// TrackerFeedConfig holds C2 tracker feed settings.
type TrackerFeedConfig struct {
	Enabled   bool          `yaml:"enabled"`
	BaseURL   string        `yaml:"base_url"`
	Adversary string        `yaml:"adversary"`
	Timeout   time.Duration `yaml:"timeout"`
}

// PulseFeedConfig holds pulse aggregator settings.
type PulseFeedConfig struct {
	Enabled    bool          `yaml:"enabled"`
	BaseURL    string        `yaml:"base_url"`
	APIKeyEnv  string        `yaml:"api_key_env"`
	PulseLimit int           `yaml:"pulse_limit"`
	Timeout    time.Duration `yaml:"timeout"`
}

// MISPFeedConfig holds MISP event-pull settings.
type MISPFeedConfig struct {
	Enabled    bool          `yaml:"enabled"`
	BaseURL    string        `yaml:"base_url" validate:"required_if=Enabled true"`
	APIKeyEnv  string        `yaml:"api_key_env"`
	EventLimit int           `yaml:"event_limit"`
	Timeout    time.Duration `yaml:"timeout"`
}

// AttackFeedConfig holds ATT&CK knowledge-base ingestion settings.
type AttackFeedConfig struct {
	Enabled   bool          `yaml:"enabled"`
	BundleURL string        `yaml:"bundle_url"`
	Timeout   time.Duration `yaml:"timeout"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level" validate:"oneof=debug info warn error"`
	Format string `yaml:"format" validate:"oneof=json console"`
}

// Load reads configuration from a YAML file and validates it.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration's struct tags.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		Store: StoreConfig{
			Path: "data/diamondwire.db",
		},
		Redis: RedisConfig{
			Enabled: false,
			Addr:    "localhost:6379",
			DB:      0,
		},
		Ingest: IngestConfig{
			BatchSize:    5000,
			ChunkTimeout: 30 * time.Second,
		},
		Feeds: FeedsConfig{
			Tracker: TrackerFeedConfig{
				Enabled:   true,
				Adversary: "Feodo Tracker",
				Timeout:   30 * time.Second,
			},
			Pulse: PulseFeedConfig{
				Enabled:    false,
				APIKeyEnv:  "OTX_API_KEY",
				PulseLimit: 50,
				Timeout:    30 * time.Second,
			},
			MISP: MISPFeedConfig{
				Enabled:    false,
				APIKeyEnv:  "MISP_KEY",
				EventLimit: 100,
				Timeout:    60 * time.Second,
			},
			Attack: AttackFeedConfig{
				Enabled: true,
				Timeout: 120 * time.Second,
			},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// EnabledFeeds returns the names of enabled feed sources.
func (c *Config) EnabledFeeds() []string {
	var feeds []string
	if c.Feeds.Tracker.Enabled {
		feeds = append(feeds, "c2tracker")
	}
	if c.Feeds.Pulse.Enabled {
		feeds = append(feeds, "pulse")
	}
	if c.Feeds.MISP.Enabled {
		feeds = append(feeds, "misp")
	}
	if c.Feeds.Attack.Enabled {
		feeds = append(feeds, "attack")
	}
	return feeds
}
