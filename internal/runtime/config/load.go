package config

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// fileConfig mirrors Config with YAML-friendly field types. Durations are
// strings in time.ParseDuration syntax ("90s", "2m").
type fileConfig struct {
	ServerName    string `yaml:"server_name"`
	ServerVersion string `yaml:"server_version"`

	MaxMessageSize int `yaml:"max_message_size"`

	GlobalConcurrencyLimit     int            `yaml:"global_concurrency_limit"`
	OperationConcurrencyLimits map[string]int `yaml:"operation_concurrency_limits"`

	DefaultTimeout    string            `yaml:"default_timeout"`
	OperationTimeouts map[string]string `yaml:"operation_timeouts"`

	SandboxRoot      string   `yaml:"sandbox_root"`
	ResourceSuffixes []string `yaml:"resource_suffixes"`
	ResourcePageSize int      `yaml:"resource_page_size"`

	LogStreamMaxBytes   int `yaml:"log_stream_max_bytes"`
	LogStreamMaxEntries int `yaml:"log_stream_max_entries"`

	MetricsEnabled bool `yaml:"metrics_enabled"`
	MetricsPort    int  `yaml:"metrics_port"`

	DebugEnabled            bool     `yaml:"debug_enabled"`
	DebugPort               int      `yaml:"debug_port"`
	DebugCORSAllowedOrigins []string `yaml:"debug_cors_allowed_origins"`
}

// Load reads a YAML config file, applies it over the zero Config, and
// validates the result. Unknown keys are rejected so typos fail loudly.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes YAML config bytes. See Load.
func Parse(data []byte) (*Config, error) {
	var fc fileConfig
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&fc); err != nil {
		return nil, fmt.Errorf("config: decoding: %w", err)
	}

	cfg, err := fc.toConfig()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (fc *fileConfig) toConfig() (*Config, error) {
	cfg := &Config{
		ServerName:                 fc.ServerName,
		ServerVersion:              fc.ServerVersion,
		MaxMessageSize:             fc.MaxMessageSize,
		GlobalConcurrencyLimit:     fc.GlobalConcurrencyLimit,
		OperationConcurrencyLimits: fc.OperationConcurrencyLimits,
		SandboxRoot:                fc.SandboxRoot,
		ResourceSuffixes:           fc.ResourceSuffixes,
		ResourcePageSize:           fc.ResourcePageSize,
		LogStreamMaxBytes:          fc.LogStreamMaxBytes,
		LogStreamMaxEntries:        fc.LogStreamMaxEntries,
		MetricsEnabled:             fc.MetricsEnabled,
		MetricsPort:                fc.MetricsPort,
		DebugEnabled:               fc.DebugEnabled,
		DebugPort:                  fc.DebugPort,
		DebugCORSAllowedOrigins:    fc.DebugCORSAllowedOrigins,
	}

	if fc.DefaultTimeout != "" {
		d, err := time.ParseDuration(fc.DefaultTimeout)
		if err != nil {
			return nil, fmt.Errorf("config: default_timeout: %w", err)
		}
		cfg.DefaultTimeout = d
	}

	if len(fc.OperationTimeouts) > 0 {
		cfg.OperationTimeouts = make(map[string]time.Duration, len(fc.OperationTimeouts))
		for name, raw := range fc.OperationTimeouts {
			d, err := time.ParseDuration(raw)
			if err != nil {
				return nil, fmt.Errorf("config: operation_timeouts[%s]: %w", name, err)
			}
			cfg.OperationTimeouts[name] = d
		}
	}

	return cfg, nil
}
