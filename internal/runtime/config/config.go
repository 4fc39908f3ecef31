package config

import (
	"errors"
	"fmt"
	"time"
)

// Defaults applied wherever the corresponding Config field is zero.
const (
	DefaultMaxMessageSize   = 2 << 20
	DefaultGlobalLimit      = 10
	DefaultTimeout          = 2 * time.Minute
	DefaultPageSize         = 50
	MaxPageSize             = 500
	DefaultLogStreamBytes   = 1 << 20
	DefaultLogStreamEntries = 1024
	DefaultDebugPort        = 8081
	DefaultMetricsPort      = 9090
)

// Config groups the static settings required to initialise the server. All
// values are fixed at startup; nothing here is reloaded at runtime.
type Config struct {
	// ServerName and ServerVersion are advertised during the handshake.
	ServerName    string
	ServerVersion string

	// MaxMessageSize caps a single inbound protocol line in bytes. Oversized
	// lines are rejected before parsing. Zero falls back to 2 MiB.
	MaxMessageSize int

	// GlobalConcurrencyLimit caps requests executing at once across all
	// operations. Zero falls back to 10.
	GlobalConcurrencyLimit int

	// OperationConcurrencyLimits optionally caps individual operations by
	// name. An entry here is checked in addition to the global cap.
	OperationConcurrencyLimits map[string]int

	// DefaultTimeout bounds handler execution when an operation carries no
	// override. Zero falls back to 2 minutes.
	DefaultTimeout time.Duration

	// OperationTimeouts optionally overrides the timeout per operation name.
	OperationTimeouts map[string]time.Duration

	// SandboxRoot is the directory served by the file resource provider.
	// Empty disables file resources.
	SandboxRoot string

	// ResourceSuffixes restricts listed files to these suffixes. Empty keeps
	// the built-in set for Flutter project trees.
	ResourceSuffixes []string

	// ResourcePageSize is the default page size for resource listings,
	// capped at MaxPageSize. Zero falls back to 50.
	ResourcePageSize int

	// LogStreamMaxBytes and LogStreamMaxEntries bound each captured log
	// stream. Oldest entries are evicted whole once either is exceeded.
	LogStreamMaxBytes   int
	LogStreamMaxEntries int

	// Metrics configuration.
	MetricsEnabled bool
	// MetricsPort is the port where Prometheus metrics will be exposed.
	MetricsPort int

	// Debug endpoint configuration.
	DebugEnabled bool
	// DebugPort is the port where the debug API will be exposed. Defaults to 8081.
	DebugPort int
	// DebugCORSAllowedOrigins specifies allowed origins for CORS on the debug
	// API. Empty disables CORS headers.
	DebugCORSAllowedOrigins []string
}

// MessageSizeLimit returns the effective inbound message cap in bytes.
func (c *Config) MessageSizeLimit() int {
	if c.MaxMessageSize <= 0 {
		return DefaultMaxMessageSize
	}
	return c.MaxMessageSize
}

// GlobalLimit returns the effective global concurrency cap.
func (c *Config) GlobalLimit() int {
	if c.GlobalConcurrencyLimit <= 0 {
		return DefaultGlobalLimit
	}
	return c.GlobalConcurrencyLimit
}

// LimitFor returns the per-operation concurrency cap, or zero when the
// operation has none.
func (c *Config) LimitFor(operation string) int {
	return c.OperationConcurrencyLimits[operation]
}

// TimeoutFor returns the effective timeout for an operation: the per-name
// override when present, the default otherwise.
func (c *Config) TimeoutFor(operation string) time.Duration {
	if d, ok := c.TimeoutOverride(operation); ok {
		return d
	}
	if c.DefaultTimeout > 0 {
		return c.DefaultTimeout
	}
	return DefaultTimeout
}

// TimeoutOverride returns the configured per-operation timeout and whether
// one is set. Operator overrides beat timeouts declared on the operation.
func (c *Config) TimeoutOverride(operation string) (time.Duration, bool) {
	d, ok := c.OperationTimeouts[operation]
	if !ok || d <= 0 {
		return 0, false
	}
	return d, true
}

// PageSize returns the effective default resource page size.
func (c *Config) PageSize() int {
	if c.ResourcePageSize <= 0 {
		return DefaultPageSize
	}
	if c.ResourcePageSize > MaxPageSize {
		return MaxPageSize
	}
	return c.ResourcePageSize
}

// StreamBytes returns the effective per-stream byte ceiling.
func (c *Config) StreamBytes() int {
	if c.LogStreamMaxBytes <= 0 {
		return DefaultLogStreamBytes
	}
	return c.LogStreamMaxBytes
}

// StreamEntries returns the effective per-stream entry ceiling.
func (c *Config) StreamEntries() int {
	if c.LogStreamMaxEntries <= 0 {
		return DefaultLogStreamEntries
	}
	return c.LogStreamMaxEntries
}

func (c Config) String() string {
	// Use a type alias to avoid infinite recursion when printing
	type configAlias Config
	return fmt.Sprintf("%+v", configAlias(c))
}

// Validate checks that the configuration is internally consistent. Returns an
// error describing every invalid field at once.
func (c *Config) Validate() error {
	var errs []error

	errs = append(errs, c.validateLimits()...)
	errs = append(errs, c.validateTimeouts()...)
	errs = append(errs, c.validateResources()...)
	errs = append(errs, c.validatePorts()...)

	return errors.Join(errs...)
}

func (c *Config) validateLimits() []error {
	var errs []error
	if c.MaxMessageSize < 0 {
		errs = append(errs, errors.New("transport: max message size cannot be negative"))
	}
	if c.GlobalConcurrencyLimit < 0 {
		errs = append(errs, errors.New("limiter: global concurrency limit cannot be negative"))
	}
	for name, limit := range c.OperationConcurrencyLimits {
		if name == "" {
			errs = append(errs, errors.New("limiter: operation concurrency limit with empty name"))
			continue
		}
		if limit <= 0 {
			errs = append(errs, fmt.Errorf("limiter: concurrency limit for %q must be positive, got %d", name, limit))
		}
	}
	return errs
}

func (c *Config) validateTimeouts() []error {
	var errs []error
	if c.DefaultTimeout < 0 {
		errs = append(errs, errors.New("timeout: default timeout cannot be negative"))
	}
	for name, d := range c.OperationTimeouts {
		if name == "" {
			errs = append(errs, errors.New("timeout: operation timeout with empty name"))
			continue
		}
		if d <= 0 {
			errs = append(errs, fmt.Errorf("timeout: timeout for %q must be positive, got %s", name, d))
		}
	}
	return errs
}

func (c *Config) validateResources() []error {
	var errs []error
	if c.ResourcePageSize < 0 {
		errs = append(errs, errors.New("resources: page size cannot be negative"))
	}
	if c.ResourcePageSize > MaxPageSize {
		errs = append(errs, fmt.Errorf("resources: page size %d exceeds maximum %d", c.ResourcePageSize, MaxPageSize))
	}
	if c.LogStreamMaxBytes < 0 {
		errs = append(errs, errors.New("resources: log stream byte ceiling cannot be negative"))
	}
	if c.LogStreamMaxEntries < 0 {
		errs = append(errs, errors.New("resources: log stream entry ceiling cannot be negative"))
	}
	return errs
}

func (c *Config) validatePorts() []error {
	var errs []error
	if c.MetricsPort < 0 || c.MetricsPort > 65535 {
		errs = append(errs, fmt.Errorf("metrics: invalid port %d", c.MetricsPort))
	}
	if c.DebugPort < 0 || c.DebugPort > 65535 {
		errs = append(errs, fmt.Errorf("debug: invalid port %d", c.DebugPort))
	}
	return errs
}

// ValidateConfig is a convenience function to validate a config pointer.
// Returns nil if the config is valid.
func ValidateConfig(c *Config) error {
	if c == nil {
		return errors.New("config is nil")
	}
	return c.Validate()
}
