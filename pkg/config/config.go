// Package config provides the unified configuration system for Strata.
// It defines a single PipelineConfig structure covering the streaming
// data plane: buffer pool sizing, storage retry and concurrency
// limits, format defaults, and plugin loading.
//
// The configuration is organized into logical sections:
//   - Streaming: buffer pool, memory ceiling, in-flight batch limits
//   - Storage: read/write buffer sizes, concurrency, retry policy
//   - Plugins: plugin directory, load timeouts, hot reload, version policy
//   - Formats: per-format defaults (CSV, Parquet) and fallbacks
//   - Logging: level and encoding for the process logger
//
// Example usage:
//
//	cfg := config.DefaultConfig()
//	cfg.Streaming.MaxBufferMemory = 512 << 20
//
//	if err := cfg.Validate(); err != nil {
//	    log.Fatal(err)
//	}
package config

import (
	"fmt"
	"time"
)

// VersionCompatibility controls which plugin versions the host accepts.
type VersionCompatibility string

const (
	// CompatExact requires a full version match
	CompatExact VersionCompatibility = "exact"
	// CompatMajor requires a matching major version
	CompatMajor VersionCompatibility = "major"
	// CompatMinor requires matching major and minor versions
	CompatMinor VersionCompatibility = "minor"
	// CompatAny accepts any plugin version (not recommended)
	CompatAny VersionCompatibility = "any"
)

// PipelineConfig is the single configuration structure for the data plane.
type PipelineConfig struct {
	// Streaming controls the buffer pool and backpressure behavior
	Streaming StreamingConfig `yaml:"streaming" json:"streaming"`

	// Storage controls byte-stream I/O against all backends
	Storage StorageConfig `yaml:"storage" json:"storage"`

	// Plugins controls external format discovery and loading
	Plugins PluginConfig `yaml:"plugins" json:"plugins"`

	// Formats holds per-format decode/encode defaults
	Formats FormatConfig `yaml:"formats" json:"formats"`

	// Logging configures the process logger
	Logging LoggingConfig `yaml:"logging" json:"logging"`
}

// StreamingConfig contains buffer pool and flow-control settings.
type StreamingConfig struct {
	// MaxBufferMemory is the ceiling on bytes checked out of the pool
	MaxBufferMemory int `yaml:"max_buffer_memory" json:"max_buffer_memory"`
	// BufferPoolSize is the number of pre-allocated buffers
	BufferPoolSize int `yaml:"buffer_pool_size" json:"buffer_pool_size"`
	// ReadTimeout bounds a single streamed read
	ReadTimeout time.Duration `yaml:"read_timeout" json:"read_timeout"`
	// WriteTimeout bounds a single streamed write
	WriteTimeout time.Duration `yaml:"write_timeout" json:"write_timeout"`
	// MaxInFlightBatches bounds decoded batches not yet consumed
	MaxInFlightBatches int `yaml:"max_in_flight_batches" json:"max_in_flight_batches"`
	// HighWatermark is the checked-out fraction above which
	// backpressure is signalled to the byte producer
	HighWatermark float64 `yaml:"high_watermark" json:"high_watermark"`
}

// StorageConfig contains byte-stream I/O settings shared by all backends.
type StorageConfig struct {
	// ReadBufferSize caps the size of a single streamed read chunk
	ReadBufferSize int `yaml:"read_buffer_size" json:"read_buffer_size"`
	// WriteBufferSize caps the size of a single streamed write chunk
	WriteBufferSize int `yaml:"write_buffer_size" json:"write_buffer_size"`
	// MaxConcurrentRequests bounds in-flight storage operations process-wide
	MaxConcurrentRequests int `yaml:"max_concurrent_requests" json:"max_concurrent_requests"`
	// Compression selects the output compression algorithm (none,
	// gzip, zstd, lz4, snappy, s2)
	Compression string `yaml:"compression" json:"compression"`
	// Retry governs transient-failure retries on every operation
	Retry RetryConfig `yaml:"retry" json:"retry"`
}

// RetryConfig describes exponential backoff for storage operations.
type RetryConfig struct {
	// MaxRetries is the number of attempts after the first failure
	MaxRetries int `yaml:"max_retries" json:"max_retries"`
	// InitialDelay is the delay before the first retry
	InitialDelay time.Duration `yaml:"initial_delay" json:"initial_delay"`
	// MaxDelay caps the backoff delay
	MaxDelay time.Duration `yaml:"max_delay" json:"max_delay"`
	// Multiplier grows the delay after each attempt
	Multiplier float64 `yaml:"multiplier" json:"multiplier"`
}

// PluginConfig contains external format plugin settings.
type PluginConfig struct {
	// Enabled turns plugin discovery on
	Enabled bool `yaml:"enabled" json:"enabled"`
	// Dir is the directory scanned for plugin modules
	Dir string `yaml:"dir" json:"dir"`
	// LoadTimeout bounds the load of a single plugin
	LoadTimeout time.Duration `yaml:"load_timeout" json:"load_timeout"`
	// HotReload re-scans Dir on a fixed interval
	HotReload bool `yaml:"hot_reload" json:"hot_reload"`
	// HotReloadInterval is the re-scan period
	HotReloadInterval time.Duration `yaml:"hot_reload_interval" json:"hot_reload_interval"`
	// Compatibility selects the version acceptance policy
	Compatibility VersionCompatibility `yaml:"compatibility" json:"compatibility"`
}

// FormatConfig holds per-format defaults.
type FormatConfig struct {
	CSV     CSVConfig     `yaml:"csv" json:"csv"`
	Parquet ParquetConfig `yaml:"parquet" json:"parquet"`
	// BatchSize is the fallback batch size for formats without a section
	BatchSize int `yaml:"batch_size" json:"batch_size"`
	// MaxSampleBytes bounds the schema-sample read during Opening
	MaxSampleBytes int `yaml:"max_sample_bytes" json:"max_sample_bytes"`
}

// CSVConfig contains CSV decode/encode defaults.
type CSVConfig struct {
	// BatchSize is the number of rows per decoded batch
	BatchSize int `yaml:"batch_size" json:"batch_size"`
	// HasHeader assumes a header row when true
	HasHeader bool `yaml:"has_header" json:"has_header"`
	// Delimiter is the field separator
	Delimiter string `yaml:"delimiter" json:"delimiter"`
	// InferTypes samples values to infer column types
	InferTypes bool `yaml:"infer_types" json:"infer_types"`
}

// ParquetConfig contains Parquet decode/encode defaults.
type ParquetConfig struct {
	// BatchSize is the number of rows per decoded batch
	BatchSize int `yaml:"batch_size" json:"batch_size"`
	// Compression selects the column chunk codec
	Compression string `yaml:"compression" json:"compression"`
	// RowGroupSize is the target row group size in bytes
	RowGroupSize int64 `yaml:"row_group_size" json:"row_group_size"`
	// EnableStats writes column statistics
	EnableStats bool `yaml:"enable_stats" json:"enable_stats"`
}

// LoggingConfig configures the process logger.
type LoggingConfig struct {
	Level    string `yaml:"level" json:"level"`
	Encoding string `yaml:"encoding" json:"encoding"`
}

// DefaultConfig returns a PipelineConfig with production defaults.
func DefaultConfig() *PipelineConfig {
	return &PipelineConfig{
		Streaming: StreamingConfig{
			MaxBufferMemory:    256 << 20, // 256MB
			BufferPoolSize:     32,
			ReadTimeout:        5 * time.Minute,
			WriteTimeout:       5 * time.Minute,
			MaxInFlightBatches: 4,
			HighWatermark:      0.8,
		},
		Storage: StorageConfig{
			ReadBufferSize:        8 << 20, // 8MB
			WriteBufferSize:       8 << 20,
			MaxConcurrentRequests: 10,
			Compression:           "none",
			Retry: RetryConfig{
				MaxRetries:   3,
				InitialDelay: 100 * time.Millisecond,
				MaxDelay:     5 * time.Second,
				Multiplier:   2.0,
			},
		},
		Plugins: PluginConfig{
			Enabled:           false,
			LoadTimeout:       30 * time.Second,
			HotReload:         false,
			HotReloadInterval: time.Minute,
			Compatibility:     CompatMajor,
		},
		Formats: FormatConfig{
			CSV: CSVConfig{
				BatchSize:  1024,
				HasHeader:  true,
				Delimiter:  ",",
				InferTypes: true,
			},
			Parquet: ParquetConfig{
				BatchSize:    1024,
				Compression:  "snappy",
				RowGroupSize: 128 << 20, // 128MB
				EnableStats:  true,
			},
			BatchSize:      1024,
			MaxSampleBytes: 1 << 20, // 1MB
		},
		Logging: LoggingConfig{
			Level:    "info",
			Encoding: "json",
		},
	}
}

// Validate checks the configuration for invalid combinations.
// It must pass before any pipeline runs.
func (c *PipelineConfig) Validate() error {
	if c.Streaming.BufferPoolSize <= 0 {
		return fmt.Errorf("streaming.buffer_pool_size must be positive")
	}
	if c.Streaming.MaxBufferMemory <= 0 {
		return fmt.Errorf("streaming.max_buffer_memory must be positive")
	}
	if c.BufferSize() <= 0 {
		return fmt.Errorf("streaming.max_buffer_memory %d yields zero-sized buffers for a pool of %d",
			c.Streaming.MaxBufferMemory, c.Streaming.BufferPoolSize)
	}
	if c.Streaming.MaxInFlightBatches <= 0 {
		return fmt.Errorf("streaming.max_in_flight_batches must be positive")
	}
	if c.Streaming.HighWatermark <= 0 || c.Streaming.HighWatermark > 1 {
		return fmt.Errorf("streaming.high_watermark must be in (0, 1]")
	}
	if c.Storage.ReadBufferSize <= 0 || c.Storage.WriteBufferSize <= 0 {
		return fmt.Errorf("storage buffer sizes must be positive")
	}
	if c.Storage.MaxConcurrentRequests <= 0 {
		return fmt.Errorf("storage.max_concurrent_requests must be positive")
	}
	if c.Storage.Retry.MaxRetries < 0 {
		return fmt.Errorf("storage.retry.max_retries cannot be negative")
	}
	if c.Storage.Retry.Multiplier < 1 {
		return fmt.Errorf("storage.retry.multiplier must be >= 1")
	}
	if c.Plugins.Enabled && c.Plugins.Dir == "" {
		return fmt.Errorf("plugins.dir is required when plugins are enabled")
	}
	if c.Plugins.Enabled && c.Plugins.LoadTimeout <= 0 {
		return fmt.Errorf("plugins.load_timeout must be positive")
	}
	switch c.Plugins.Compatibility {
	case CompatExact, CompatMajor, CompatMinor, CompatAny, "":
	default:
		return fmt.Errorf("plugins.compatibility %q is not one of exact, major, minor, any", c.Plugins.Compatibility)
	}
	if c.Formats.BatchSize <= 0 || c.Formats.CSV.BatchSize <= 0 || c.Formats.Parquet.BatchSize <= 0 {
		return fmt.Errorf("format batch sizes must be positive")
	}
	if c.Formats.MaxSampleBytes <= 0 {
		return fmt.Errorf("formats.max_sample_bytes must be positive")
	}
	return nil
}

// BufferSize returns the fixed capacity of a single pool buffer.
// The pool divides the memory ceiling evenly across the buffer count.
func (c *PipelineConfig) BufferSize() int {
	if c.Streaming.BufferPoolSize <= 0 {
		return 0
	}
	return c.Streaming.MaxBufferMemory / c.Streaming.BufferPoolSize
}
