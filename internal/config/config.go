// Package config handles YAML configuration for tagops.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/yairfalse/tagops/internal/operation"
)

// EnvConfigPath names the environment variable holding the config path.
const EnvConfigPath = "TAGOPS_CONFIG"

// LocationPlaceholder is replaced by the location in api.regional_endpoint.
const LocationPlaceholder = "{location}"

// Release tracks.
const (
	TrackGA    = "ga"
	TrackAlpha = "alpha"
)

// Config is the root configuration structure.
type Config struct {
	Project      string       `yaml:"project"`
	ReleaseTrack string       `yaml:"release_track"`
	API          APIConfig    `yaml:"api"`
	Wait         WaitConfig   `yaml:"wait"`
	Log          LogConfig    `yaml:"log"`
	OTEL         OTELConfig   `yaml:"telemetry"`
	Policy       PolicyConfig `yaml:"policy"`
	Cache        CacheConfig  `yaml:"cache"`
}

// APIConfig holds endpoint and transport settings.
type APIConfig struct {
	UniverseDomain           string        `yaml:"universe_domain"`
	ResourceManagerEndpoint  string        `yaml:"resource_manager_endpoint"`
	ArtifactRegistryEndpoint string        `yaml:"artifact_registry_endpoint"`
	RegionalEndpoint         string        `yaml:"regional_endpoint"`
	OperationsEndpoint       string        `yaml:"operations_endpoint"`
	Credentials              string        `yaml:"credentials"`
	OperationsTransport      string        `yaml:"operations_transport"`
	Timeout                  time.Duration `yaml:"timeout"`
}

// WaitConfig holds operation polling settings.
type WaitConfig struct {
	Timeout         time.Duration `yaml:"timeout"`
	PollInterval    time.Duration `yaml:"poll_interval"`
	MaxPollInterval time.Duration `yaml:"max_poll_interval"`
	PollMultiplier  float64       `yaml:"poll_multiplier"`
	MaxRetries      int           `yaml:"max_retries"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// OTELConfig holds OpenTelemetry settings.
type OTELConfig struct {
	Endpoint    string        `yaml:"endpoint"`
	Insecure    bool          `yaml:"insecure"`
	ServiceName string        `yaml:"service_name"`
	Traces      TracesConfig  `yaml:"traces"`
	Metrics     MetricsConfig `yaml:"metrics"`
	Pushgateway string        `yaml:"pushgateway"`
}

// TracesConfig holds tracing settings.
type TracesConfig struct {
	Enabled    bool    `yaml:"enabled"`
	SampleRate float64 `yaml:"sample_rate"`
}

// MetricsConfig holds metrics settings.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// PolicyConfig points at an optional Rego mutation policy.
type PolicyConfig struct {
	File string `yaml:"file"`
}

// CacheConfig holds name cache settings. An empty path disables the cache.
type CacheConfig struct {
	Path string        `yaml:"path"`
	TTL  time.Duration `yaml:"ttl"`
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	wait := operation.DefaultConfig()
	cfg := &Config{
		ReleaseTrack: TrackGA,
		API: APIConfig{
			UniverseDomain:      "googleapis.com",
			Credentials:         "adc",
			OperationsTransport: "rest",
			Timeout:             60 * time.Second,
		},
		Wait: WaitConfig{
			Timeout:         wait.Timeout,
			PollInterval:    wait.PollInterval,
			MaxPollInterval: wait.MaxPollInterval,
			PollMultiplier:  wait.PollMultiplier,
			MaxRetries:      wait.MaxRetries,
		},
		Log: LogConfig{Level: "warn", Format: "console"},
		OTEL: OTELConfig{
			ServiceName: "tagops",
			Traces:      TracesConfig{SampleRate: 1.0},
		},
		Cache: CacheConfig{TTL: 24 * time.Hour},
	}
	if dir, err := os.UserCacheDir(); err == nil {
		cfg.Cache.Path = filepath.Join(dir, "tagops", "names.db")
	}
	return cfg
}

// Load reads a YAML config file on top of the defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path) // #nosec G304 -- path is intentional user input
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	applyDefaults(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// Resolve loads the config named by flagPath, $TAGOPS_CONFIG or the default
// location, in that order. A missing file at the default location yields
// the defaults; a missing file named explicitly is an error.
func Resolve(flagPath string) (*Config, string, error) {
	path, explicit := flagPath, true
	if path == "" {
		path = os.Getenv(EnvConfigPath)
	}
	if path == "" {
		explicit = false
		home, err := os.UserHomeDir()
		if err != nil {
			return Default(), "", nil
		}
		path = filepath.Join(home, ".config", "tagops", "config.yaml")
	}

	cfg, err := Load(path)
	if err != nil {
		if !explicit && errors.Is(err, fs.ErrNotExist) {
			return Default(), "", nil
		}
		return nil, path, err
	}
	return cfg, path, nil
}

func applyDefaults(cfg *Config) {
	if cfg.ReleaseTrack == "" {
		cfg.ReleaseTrack = TrackGA
	}
	if cfg.API.UniverseDomain == "" {
		cfg.API.UniverseDomain = "googleapis.com"
	}
	if cfg.OTEL.ServiceName == "" {
		cfg.OTEL.ServiceName = "tagops"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "warn"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "console"
	}
}

// Validate checks the configuration is valid.
func (c *Config) Validate() error {
	if !slices.Contains([]string{TrackGA, TrackAlpha}, c.ReleaseTrack) {
		return fmt.Errorf("release_track must be %q or %q (got %q)", TrackGA, TrackAlpha, c.ReleaseTrack)
	}
	if !slices.Contains([]string{"adc", "none"}, c.API.Credentials) {
		return fmt.Errorf("api: credentials must be adc or none (got %q)", c.API.Credentials)
	}
	if !slices.Contains([]string{"rest", "grpc"}, c.API.OperationsTransport) {
		return fmt.Errorf("api: operations_transport must be rest or grpc (got %q)", c.API.OperationsTransport)
	}
	if c.API.RegionalEndpoint != "" && !strings.Contains(c.API.RegionalEndpoint, LocationPlaceholder) {
		return fmt.Errorf("api: regional_endpoint must contain %s", LocationPlaceholder)
	}
	if c.API.Timeout < 0 {
		return fmt.Errorf("api: timeout must not be negative")
	}
	if err := c.Wait.validate(); err != nil {
		return fmt.Errorf("wait: %w", err)
	}
	if _, err := zerolog.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("log: %w", err)
	}
	if !slices.Contains([]string{"console", "json"}, c.Log.Format) {
		return fmt.Errorf("log: format must be console or json (got %q)", c.Log.Format)
	}
	if c.OTEL.Traces.SampleRate < 0.0 || c.OTEL.Traces.SampleRate > 1.0 {
		return fmt.Errorf("telemetry: traces.sample_rate must be between 0.0 and 1.0 (got %v)", c.OTEL.Traces.SampleRate)
	}
	if c.Cache.TTL < 0 {
		return fmt.Errorf("cache: ttl must not be negative")
	}
	return nil
}

func (w WaitConfig) validate() error {
	switch {
	case w.Timeout < 0:
		return fmt.Errorf("timeout must not be negative")
	case w.PollInterval <= 0:
		return fmt.Errorf("poll_interval must be positive")
	case w.MaxPollInterval < w.PollInterval:
		return fmt.Errorf("max_poll_interval must be at least poll_interval")
	case w.PollMultiplier < 1:
		return fmt.Errorf("poll_multiplier must be at least 1 (got %v)", w.PollMultiplier)
	case w.MaxRetries < 0:
		return fmt.Errorf("max_retries must not be negative")
	}
	return nil
}

// RegionalURL expands the regional endpoint template for location. It
// returns "" when no template is configured.
func (a APIConfig) RegionalURL(location string) string {
	if a.RegionalEndpoint == "" {
		return ""
	}
	return strings.ReplaceAll(a.RegionalEndpoint, LocationPlaceholder, location)
}

// WaiterConfig converts the wait section for operation.NewWaiter.
func (w WaitConfig) WaiterConfig() operation.Config {
	cfg := operation.DefaultConfig()
	cfg.Timeout = w.Timeout
	cfg.PollInterval = w.PollInterval
	cfg.MaxPollInterval = w.MaxPollInterval
	cfg.PollMultiplier = w.PollMultiplier
	cfg.MaxRetries = w.MaxRetries
	return cfg
}
