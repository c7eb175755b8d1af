// Package config loads and validates broker configuration.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// ServiceConfig describes how to reach the privileged service process.
type ServiceConfig struct {
	// Command is the service binary and its arguments.
	Command []string `yaml:"command"`
	// Env holds extra KEY=VALUE pairs for the child process.
	Env []string `yaml:"env"`
	// WorkDir is the child's working directory; empty inherits ours.
	WorkDir string `yaml:"work_dir"`
	// RequireTier is the minimum capability tier the service must report
	// at connect time (basic, standard or complete). Empty accepts any.
	RequireTier string `yaml:"require_tier"`
	// ConnectTimeout bounds the connect handshake.
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	// CallTimeout bounds each remote call; zero disables the bound.
	CallTimeout time.Duration `yaml:"call_timeout"`
	// StopTimeout is how long to wait after SIGTERM before killing.
	StopTimeout time.Duration `yaml:"stop_timeout"`
}

// AuthzConfig selects an operation-authorization policy.
type AuthzConfig struct {
	// PolicyPath points at a Rego policy file; empty disables the gate.
	PolicyPath string `yaml:"policy_path"`
	// Entrypoint overrides the default decision rule.
	Entrypoint string `yaml:"entrypoint"`
}

// LoggingConfig controls the structured logger.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Port    int    `yaml:"port"`
	Path    string `yaml:"path"`
}

// TelemetryConfig controls OTLP trace export.
type TelemetryConfig struct {
	// Endpoint is the OTLP gRPC collector address; empty disables export.
	Endpoint string            `yaml:"endpoint"`
	Insecure bool              `yaml:"insecure"`
	Headers  map[string]string `yaml:"headers"`
	// ServiceName overrides the resource service.name attribute.
	ServiceName string `yaml:"service_name"`
}

// Config is the full broker configuration.
type Config struct {
	Service   ServiceConfig   `yaml:"service"`
	Authz     AuthzConfig     `yaml:"authz"`
	Logging   LoggingConfig   `yaml:"logging"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// Default returns the configuration used when no file is supplied.
func Default() *Config {
	return &Config{
		Service: ServiceConfig{
			ConnectTimeout: 10 * time.Second,
			StopTimeout:    5 * time.Second,
		},
		Logging: LoggingConfig{Level: "info", Format: "text"},
		Metrics: MetricsConfig{Port: 9464, Path: "/metrics"},
		Telemetry: TelemetryConfig{
			ServiceName: "keybroker",
		},
	}
}

// Load reads path, expands environment variables, parses YAML over the
// defaults, and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	expanded := []byte(os.ExpandEnv(string(data)))

	cfg := Default()
	if err := yaml.Unmarshal(expanded, cfg); err != nil {
		return nil, fmt.Errorf("parse config YAML: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	switch c.Service.RequireTier {
	case "", "basic", "standard", "complete":
	default:
		return fmt.Errorf("service.require_tier: unknown tier %q", c.Service.RequireTier)
	}
	if c.Service.ConnectTimeout < 0 {
		return fmt.Errorf("service.connect_timeout must not be negative")
	}
	if c.Service.CallTimeout < 0 {
		return fmt.Errorf("service.call_timeout must not be negative")
	}
	switch c.Logging.Format {
	case "", "text", "json":
	default:
		return fmt.Errorf("logging.format: unknown format %q", c.Logging.Format)
	}
	if c.Metrics.Enabled {
		if c.Metrics.Port <= 0 || c.Metrics.Port > 65535 {
			return fmt.Errorf("metrics.port out of range: %d", c.Metrics.Port)
		}
		if c.Metrics.Path == "" {
			return fmt.Errorf("metrics.path must not be empty when metrics are enabled")
		}
	}
	if c.Authz.Entrypoint != "" && c.Authz.PolicyPath == "" {
		return fmt.Errorf("authz.entrypoint set without authz.policy_path")
	}
	return nil
}
