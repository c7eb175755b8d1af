package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "keybroker.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoad(t *testing.T) {
	path := writeConfig(t, `
service:
  command: ["/usr/libexec/keybrokerd"]
  require_tier: complete
  connect_timeout: 5s
  call_timeout: 30s
logging:
  level: debug
  format: json
metrics:
  enabled: true
  port: 9105
  path: /metrics
telemetry:
  endpoint: localhost:4317
  insecure: true
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"/usr/libexec/keybrokerd"}, cfg.Service.Command)
	assert.Equal(t, "complete", cfg.Service.RequireTier)
	assert.Equal(t, 5*time.Second, cfg.Service.ConnectTimeout)
	assert.Equal(t, 30*time.Second, cfg.Service.CallTimeout)
	assert.Equal(t, "json", cfg.Logging.Format)
	assert.True(t, cfg.Metrics.Enabled)
	assert.Equal(t, 9105, cfg.Metrics.Port)
	assert.Equal(t, "localhost:4317", cfg.Telemetry.Endpoint)

	// Unset fields keep their defaults.
	assert.Equal(t, 5*time.Second, cfg.Service.StopTimeout)
	assert.Equal(t, "keybroker", cfg.Telemetry.ServiceName)
}

func TestLoad_ExpandsEnvironment(t *testing.T) {
	t.Setenv("KEYBROKER_SERVICE_BIN", "/opt/broker/service")
	path := writeConfig(t, `
service:
  command: ["${KEYBROKER_SERVICE_BIN}", "--stdio"]
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"/opt/broker/service", "--stdio"}, cfg.Service.Command)
}

func TestLoad_Errors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)

	_, err = Load(writeConfig(t, "service: [not, a, mapping]"))
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"defaults ok", func(*Config) {}, ""},
		{"bad tier", func(c *Config) { c.Service.RequireTier = "ultra" }, "require_tier"},
		{"negative timeout", func(c *Config) { c.Service.ConnectTimeout = -time.Second }, "connect_timeout"},
		{"bad format", func(c *Config) { c.Logging.Format = "xml" }, "logging.format"},
		{"bad port", func(c *Config) { c.Metrics.Enabled = true; c.Metrics.Port = 0 }, "metrics.port"},
		{"empty path", func(c *Config) { c.Metrics.Enabled = true; c.Metrics.Path = "" }, "metrics.path"},
		{"entrypoint without policy", func(c *Config) { c.Authz.Entrypoint = "x/allow" }, "policy_path"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(cfg)
			err := cfg.Validate()
			if tc.wantErr == "" {
				assert.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tc.wantErr)
			}
		})
	}
}

func TestWatcher_ReloadsOnChange(t *testing.T) {
	path := writeConfig(t, "logging:\n  level: info\n")

	reloaded := make(chan *Config, 4)
	w, err := NewWatcher(path, func(c *Config) { reloaded <- c }, nil)
	require.NoError(t, err)
	w.debounce = 50 * time.Millisecond

	require.NoError(t, w.Start(t.Context()))
	defer w.Stop()

	require.NoError(t, os.WriteFile(path, []byte("logging:\n  level: debug\n"), 0o600))

	select {
	case cfg := <-reloaded:
		assert.Equal(t, "debug", cfg.Logging.Level)
	case <-time.After(5 * time.Second):
		t.Fatal("no reload observed")
	}
}

func TestWatcher_KeepsRunningOnBadReload(t *testing.T) {
	path := writeConfig(t, "logging:\n  level: info\n")

	reloaded := make(chan *Config, 4)
	w, err := NewWatcher(path, func(c *Config) { reloaded <- c }, nil)
	require.NoError(t, err)
	w.debounce = 50 * time.Millisecond

	require.NoError(t, w.Start(t.Context()))
	defer w.Stop()

	// Invalid YAML must not invoke the callback.
	require.NoError(t, os.WriteFile(path, []byte("logging: [broken"), 0o600))
	select {
	case <-reloaded:
		t.Fatal("callback fired for invalid configuration")
	case <-time.After(300 * time.Millisecond):
	}

	// A subsequent valid write recovers.
	require.NoError(t, os.WriteFile(path, []byte("logging:\n  level: warn\n"), 0o600))
	select {
	case cfg := <-reloaded:
		assert.Equal(t, "warn", cfg.Logging.Level)
	case <-time.After(5 * time.Second):
		t.Fatal("no reload after recovery")
	}

	require.NoError(t, w.Stop())
	require.NoError(t, w.Stop())
}
