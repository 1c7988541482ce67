// Package config provides the unified configuration for memcap.
//
// The configuration is organized into logical sections:
//   - Memory: Ceilings, reservation quantization and diagnostic ranking
//   - Execution: Driver parallelism and batch sizing
//   - Observability: Logging, metrics and tracing
//
// Example usage:
//
//	cfg := config.NewDefaultConfig()
//	cfg.Memory.MaxBytes = 5 << 20
//
//	if err := cfg.Validate(); err != nil {
//	    log.Fatal(err)
//	}
package config

import (
	"runtime"

	"github.com/ajitpratap0/memcap/pkg/errors"
	"github.com/ajitpratap0/memcap/pkg/memory"
)

// Config is the top-level configuration of a memcap process.
type Config struct {
	// Name identifies the deployment in logs and metrics
	Name string `yaml:"name" json:"name"`
	// Version indicates the configuration version
	Version string `yaml:"version" json:"version"`

	// Memory accounting and cap enforcement
	Memory MemoryConfig `yaml:"memory" json:"memory"`

	// Execution settings for tasks and drivers
	Execution ExecutionConfig `yaml:"execution" json:"execution"`

	// Observability settings for monitoring and debugging
	Observability ObservabilityConfig `yaml:"observability" json:"observability"`
}

// MemoryConfig contains the ceilings applied to every query.
// MaxUserBytes and MaxSystemBytes default to MaxBytes when left at zero,
// so a single value caps all three dimensions.
type MemoryConfig struct {
	// MaxBytes caps user plus system memory of a query (0 = unbounded)
	MaxBytes int64 `yaml:"max_bytes" json:"max_bytes"`
	// MaxUserBytes caps operator memory
	MaxUserBytes int64 `yaml:"max_user_bytes" json:"max_user_bytes"`
	// MaxSystemBytes caps engine-held memory
	MaxSystemBytes int64 `yaml:"max_system_bytes" json:"max_system_bytes"`
	// QuantizedReservations charges trackers in 1/4/8MB steps
	QuantizedReservations bool `yaml:"quantized_reservations" json:"quantized_reservations"`
	// TopUsages is how many scopes the cap diagnostic lists
	TopUsages int `yaml:"top_usages" json:"top_usages"`
}

// ExecutionConfig controls task parallelism.
type ExecutionConfig struct {
	// MaxDrivers is the number of drivers per pipeline (0 = NumCPU)
	MaxDrivers int `yaml:"max_drivers" json:"max_drivers"`
	// BatchSize is the number of rows per batch emitted by blocking operators
	BatchSize int `yaml:"batch_size" json:"batch_size"`
	// SplitRows is the number of rows in each input split
	SplitRows int `yaml:"split_rows" json:"split_rows"`
	// Splits is the number of input partitions fed to a task
	Splits int `yaml:"splits" json:"splits"`
}

// ObservabilityConfig contains monitoring and observability settings.
type ObservabilityConfig struct {
	// LogLevel sets logging verbosity (debug, info, warn, error)
	LogLevel string `yaml:"log_level" json:"log_level"`
	// LogFormat selects json or console output
	LogFormat string `yaml:"log_format" json:"log_format"`
	// EnableMetrics activates the Prometheus endpoint
	EnableMetrics bool `yaml:"enable_metrics" json:"enable_metrics"`
	// MetricsAddr is the listen address of the metrics endpoint
	MetricsAddr string `yaml:"metrics_addr" json:"metrics_addr"`
	// EnableTracing activates task and driver spans
	EnableTracing bool `yaml:"enable_tracing" json:"enable_tracing"`
	// TracingSampleRate controls trace sampling (0.0-1.0)
	TracingSampleRate float64 `yaml:"tracing_sample_rate" json:"tracing_sample_rate"`
}

// NewDefaultConfig creates a Config with sensible defaults: no ceiling,
// quantized reservations, the top three scopes in diagnostics.
func NewDefaultConfig() *Config {
	return &Config{
		Name:    "memcap",
		Version: "1.0.0",
		Memory: MemoryConfig{
			QuantizedReservations: true,
			TopUsages:             memory.DefaultTopUsages,
		},
		Execution: ExecutionConfig{
			MaxDrivers: runtime.NumCPU(),
			BatchSize:  1024,
			SplitRows:  1024,
			Splits:     100,
		},
		Observability: ObservabilityConfig{
			LogLevel:          "info",
			LogFormat:         "json",
			EnableMetrics:     false,
			MetricsAddr:       ":9090",
			EnableTracing:     false,
			TracingSampleRate: 1.0,
		},
	}
}

// Validate checks that values are within acceptable ranges.
func (c *Config) Validate() error {
	if c.Name == "" {
		return errors.New(errors.ErrorTypeConfig, "name is required")
	}
	m := c.Memory
	if m.MaxBytes < 0 || m.MaxUserBytes < 0 || m.MaxSystemBytes < 0 {
		return errors.New(errors.ErrorTypeConfig, "memory ceilings cannot be negative").
			WithDetail("max_bytes", m.MaxBytes).
			WithDetail("max_user_bytes", m.MaxUserBytes).
			WithDetail("max_system_bytes", m.MaxSystemBytes)
	}
	if m.TopUsages < 0 {
		return errors.New(errors.ErrorTypeConfig, "top_usages cannot be negative")
	}
	if c.Execution.MaxDrivers < 0 {
		return errors.New(errors.ErrorTypeConfig, "max_drivers cannot be negative")
	}
	if c.Execution.BatchSize <= 0 {
		return errors.New(errors.ErrorTypeConfig, "batch_size must be positive")
	}
	if c.Execution.SplitRows <= 0 {
		return errors.New(errors.ErrorTypeConfig, "split_rows must be positive")
	}
	if c.Execution.Splits <= 0 {
		return errors.New(errors.ErrorTypeConfig, "splits must be positive")
	}
	if r := c.Observability.TracingSampleRate; r < 0 || r > 1 {
		return errors.Newf(errors.ErrorTypeConfig, "tracing_sample_rate %v is outside [0, 1]", r)
	}
	switch c.Observability.LogFormat {
	case "", "json", "console":
	default:
		return errors.Newf(errors.ErrorTypeConfig, "unknown log_format %q", c.Observability.LogFormat)
	}
	return nil
}

// Limits resolves the configured ceilings into tracker limits
func (m *MemoryConfig) Limits() memory.Limits {
	l := memory.Limits{
		MaxUser:   m.MaxUserBytes,
		MaxSystem: m.MaxSystemBytes,
		MaxTotal:  m.MaxBytes,
	}
	if l.MaxUser == 0 {
		l.MaxUser = m.MaxBytes
	}
	if l.MaxSystem == 0 {
		l.MaxSystem = m.MaxBytes
	}
	return l
}

// IsCapped returns true if any ceiling is configured
func (m *MemoryConfig) IsCapped() bool {
	return m.Limits().IsBounded()
}

// GetMaxDrivers returns the number of drivers, ensuring it's at least 1
func (e *ExecutionConfig) GetMaxDrivers() int {
	if e.MaxDrivers <= 0 {
		return runtime.NumCPU()
	}
	return e.MaxDrivers
}

// NewQueryPool creates the root pool of a query with the configured
// reservation mode, diagnostic depth and ceilings.
func (c *Config) NewQueryPool(queryID string, opts ...memory.Option) (*memory.Pool, error) {
	base := []memory.Option{
		memory.WithQuantizedReservations(c.Memory.QuantizedReservations),
	}
	if c.Memory.TopUsages > 0 {
		base = append(base, memory.WithTopUsages(c.Memory.TopUsages))
	}
	pool := memory.NewQueryPool(queryID, append(base, opts...)...)
	if c.Memory.IsCapped() {
		if err := pool.SetMemoryUsageTracker(memory.NewUsageTracker(c.Memory.Limits())); err != nil {
			return nil, err
		}
	}
	return pool, nil
}
