package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_ValidConfig(t *testing.T) {
	content := `
project: my-project
release_track: alpha
api:
  universe_domain: googleapis.com
  resource_manager_endpoint: http://localhost:8080/
  regional_endpoint: http://{location}.localhost:8080/
  credentials: none
  operations_transport: grpc
  operations_endpoint: localhost:9090
  timeout: 30s
wait:
  timeout: 2m
  poll_interval: 500ms
  max_poll_interval: 5s
  poll_multiplier: 2
  max_retries: 0
log:
  level: debug
  format: json
telemetry:
  endpoint: localhost:4317
  insecure: true
  service_name: tagops-ci
  traces:
    enabled: true
    sample_rate: 0.5
  metrics:
    enabled: true
  pushgateway: http://localhost:9091
policy:
  file: /etc/tagops/guard.rego
cache:
  path: /tmp/names.db
  ttl: 1h
`
	path := writeTempConfig(t, content)
	cfg, err := Load(path)

	require.NoError(t, err)
	assert.Equal(t, "my-project", cfg.Project)
	assert.Equal(t, TrackAlpha, cfg.ReleaseTrack)
	assert.Equal(t, "http://localhost:8080/", cfg.API.ResourceManagerEndpoint)
	assert.Equal(t, "http://us-east1.localhost:8080/", cfg.API.RegionalURL("us-east1"))
	assert.Equal(t, "none", cfg.API.Credentials)
	assert.Equal(t, "grpc", cfg.API.OperationsTransport)
	assert.Equal(t, "localhost:9090", cfg.API.OperationsEndpoint)
	assert.Equal(t, 30*time.Second, cfg.API.Timeout)
	assert.Equal(t, 2*time.Minute, cfg.Wait.Timeout)
	assert.Equal(t, 500*time.Millisecond, cfg.Wait.PollInterval)
	assert.Equal(t, 5*time.Second, cfg.Wait.MaxPollInterval)
	assert.Equal(t, 2.0, cfg.Wait.PollMultiplier)
	assert.Equal(t, 0, cfg.Wait.MaxRetries)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, "localhost:4317", cfg.OTEL.Endpoint)
	assert.True(t, cfg.OTEL.Insecure)
	assert.Equal(t, "tagops-ci", cfg.OTEL.ServiceName)
	assert.True(t, cfg.OTEL.Traces.Enabled)
	assert.Equal(t, 0.5, cfg.OTEL.Traces.SampleRate)
	assert.True(t, cfg.OTEL.Metrics.Enabled)
	assert.Equal(t, "http://localhost:9091", cfg.OTEL.Pushgateway)
	assert.Equal(t, "/etc/tagops/guard.rego", cfg.Policy.File)
	assert.Equal(t, "/tmp/names.db", cfg.Cache.Path)
	assert.Equal(t, time.Hour, cfg.Cache.TTL)
}

func TestLoad_Defaults(t *testing.T) {
	path := writeTempConfig(t, "project: p\n")
	cfg, err := Load(path)

	require.NoError(t, err)
	assert.Equal(t, TrackGA, cfg.ReleaseTrack)
	assert.Equal(t, "googleapis.com", cfg.API.UniverseDomain)
	assert.Equal(t, "adc", cfg.API.Credentials)
	assert.Equal(t, "rest", cfg.API.OperationsTransport)
	assert.Equal(t, 10*time.Minute, cfg.Wait.Timeout)
	assert.Equal(t, 5, cfg.Wait.MaxRetries)
	assert.Equal(t, "tagops", cfg.OTEL.ServiceName)
	assert.Equal(t, "warn", cfg.Log.Level)
	assert.Equal(t, "console", cfg.Log.Format)
	assert.Equal(t, 24*time.Hour, cfg.Cache.TTL)
	assert.Empty(t, cfg.API.RegionalURL("us-east1"))
}

func TestLoad_FileNotFound(t *testing.T) {
	_, err := Load("/nonexistent/config.yaml")
	require.Error(t, err)
}

func TestLoad_InvalidYAML(t *testing.T) {
	path := writeTempConfig(t, "wait: [unterminated\n")
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse config")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		errMsg string
	}{
		{"bad release track", func(c *Config) { c.ReleaseTrack = "beta" }, "release_track"},
		{"bad credentials", func(c *Config) { c.API.Credentials = "keyfile" }, "credentials"},
		{"regional without placeholder", func(c *Config) { c.API.RegionalEndpoint = "http://x/" }, "regional_endpoint"},
		{"bad transport", func(c *Config) { c.API.OperationsTransport = "soap" }, "operations_transport"},
		{"negative wait timeout", func(c *Config) { c.Wait.Timeout = -time.Second }, "wait: timeout"},
		{"zero poll interval", func(c *Config) { c.Wait.PollInterval = 0 }, "poll_interval"},
		{"max below poll interval", func(c *Config) { c.Wait.MaxPollInterval = time.Millisecond }, "max_poll_interval"},
		{"multiplier below one", func(c *Config) { c.Wait.PollMultiplier = 0.5 }, "poll_multiplier"},
		{"negative retries", func(c *Config) { c.Wait.MaxRetries = -1 }, "max_retries"},
		{"bad log level", func(c *Config) { c.Log.Level = "loud" }, "log"},
		{"bad log format", func(c *Config) { c.Log.Format = "xml" }, "format"},
		{"bad sample rate", func(c *Config) { c.OTEL.Traces.SampleRate = 1.5 }, "sample_rate"},
	}

	require.NoError(t, Default().Validate())

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}
}

func TestResolve_Precedence(t *testing.T) {
	flagPath := writeTempConfig(t, "project: from-flag\n")
	envPath := writeTempConfig(t, "project: from-env\n")
	t.Setenv(EnvConfigPath, envPath)

	cfg, path, err := Resolve(flagPath)
	require.NoError(t, err)
	assert.Equal(t, "from-flag", cfg.Project)
	assert.Equal(t, flagPath, path)

	cfg, path, err = Resolve("")
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.Project)
	assert.Equal(t, envPath, path)
}

func TestResolve_MissingDefaultUsesDefaults(t *testing.T) {
	t.Setenv(EnvConfigPath, "")
	t.Setenv("HOME", t.TempDir())

	cfg, path, err := Resolve("")
	require.NoError(t, err)
	assert.Empty(t, path)
	assert.Equal(t, TrackGA, cfg.ReleaseTrack)
}

func TestResolve_MissingExplicitFails(t *testing.T) {
	_, _, err := Resolve(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}

func TestWaiterConfig(t *testing.T) {
	cfg := Default()
	cfg.Wait.MaxRetries = 2
	cfg.Wait.Timeout = time.Minute

	wc := cfg.Wait.WaiterConfig()
	assert.Equal(t, 2, wc.MaxRetries)
	assert.Equal(t, time.Minute, wc.Timeout)
	assert.Positive(t, wc.RetryInterval)
}

func writeTempConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}
