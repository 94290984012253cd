package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 256<<20, cfg.Streaming.MaxBufferMemory)
	assert.Equal(t, 32, cfg.Streaming.BufferPoolSize)
	assert.Equal(t, 4, cfg.Streaming.MaxInFlightBatches)
	assert.InDelta(t, 0.8, cfg.Streaming.HighWatermark, 1e-9)

	assert.Equal(t, 8<<20, cfg.Storage.ReadBufferSize)
	assert.Equal(t, 3, cfg.Storage.Retry.MaxRetries)
	assert.Equal(t, 100*time.Millisecond, cfg.Storage.Retry.InitialDelay)
	assert.Equal(t, 5*time.Second, cfg.Storage.Retry.MaxDelay)

	assert.False(t, cfg.Plugins.Enabled)
	assert.Equal(t, CompatMajor, cfg.Plugins.Compatibility)

	assert.Equal(t, 1024, cfg.Formats.CSV.BatchSize)
	assert.Equal(t, ",", cfg.Formats.CSV.Delimiter)
	assert.Equal(t, "snappy", cfg.Formats.Parquet.Compression)
	assert.Equal(t, 1<<20, cfg.Formats.MaxSampleBytes)
}

func TestBufferSizeDividesCeiling(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Streaming.MaxBufferMemory = 64 << 20
	cfg.Streaming.BufferPoolSize = 16
	assert.Equal(t, 4<<20, cfg.BufferSize())

	cfg.Streaming.BufferPoolSize = 0
	assert.Equal(t, 0, cfg.BufferSize())
}

func TestValidateRejections(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*PipelineConfig)
		wantErr string
	}{
		{
			name:    "zero pool size",
			mutate:  func(c *PipelineConfig) { c.Streaming.BufferPoolSize = 0 },
			wantErr: "buffer_pool_size",
		},
		{
			name: "ceiling yields zero-sized buffers",
			mutate: func(c *PipelineConfig) {
				c.Streaming.MaxBufferMemory = 16
				c.Streaming.BufferPoolSize = 32
			},
			wantErr: "zero-sized buffers",
		},
		{
			name:    "watermark above one",
			mutate:  func(c *PipelineConfig) { c.Streaming.HighWatermark = 1.5 },
			wantErr: "high_watermark",
		},
		{
			name:    "zero in-flight batches",
			mutate:  func(c *PipelineConfig) { c.Streaming.MaxInFlightBatches = 0 },
			wantErr: "max_in_flight_batches",
		},
		{
			name:    "negative retries",
			mutate:  func(c *PipelineConfig) { c.Storage.Retry.MaxRetries = -1 },
			wantErr: "max_retries",
		},
		{
			name:    "sub-one multiplier",
			mutate:  func(c *PipelineConfig) { c.Storage.Retry.Multiplier = 0.5 },
			wantErr: "multiplier",
		},
		{
			name:    "zero concurrency",
			mutate:  func(c *PipelineConfig) { c.Storage.MaxConcurrentRequests = 0 },
			wantErr: "max_concurrent_requests",
		},
		{
			name: "plugins enabled without dir",
			mutate: func(c *PipelineConfig) {
				c.Plugins.Enabled = true
				c.Plugins.Dir = ""
			},
			wantErr: "plugins.dir",
		},
		{
			name:    "unknown compatibility policy",
			mutate:  func(c *PipelineConfig) { c.Plugins.Compatibility = "strict" },
			wantErr: "compatibility",
		},
		{
			name:    "zero sample bytes",
			mutate:  func(c *PipelineConfig) { c.Formats.MaxSampleBytes = 0 },
			wantErr: "max_sample_bytes",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoadFromFileLayersOverDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "strata.yaml")
	body := `
streaming:
  buffer_pool_size: 8
  max_buffer_memory: 67108864
formats:
  csv:
    delimiter: "|"
    batch_size: 2048
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)

	assert.Equal(t, 8, cfg.Streaming.BufferPoolSize)
	assert.Equal(t, 64<<20, cfg.Streaming.MaxBufferMemory)
	assert.Equal(t, "|", cfg.Formats.CSV.Delimiter)
	assert.Equal(t, 2048, cfg.Formats.CSV.BatchSize)

	// Untouched sections keep their defaults.
	assert.Equal(t, 3, cfg.Storage.Retry.MaxRetries)
	assert.Equal(t, CompatMajor, cfg.Plugins.Compatibility)
}

func TestLoadFromFileJSON(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "strata.json")
	body := `{"storage": {"max_concurrent_requests": 3, "read_buffer_size": 8388608, "write_buffer_size": 8388608, "compression": "gzip", "retry": {"max_retries": 1, "initial_delay": 50000000, "max_delay": 1000000000, "multiplier": 2}}}`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.Storage.MaxConcurrentRequests)
	assert.Equal(t, "gzip", cfg.Storage.Compression)
	assert.Equal(t, 1, cfg.Storage.Retry.MaxRetries)
}

func TestLoadFromFileRejectsInvalid(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("streaming:\n  buffer_pool_size: -1\n"), 0o644))

	_, err := LoadFromFile(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "buffer_pool_size")
}

func TestSaveToFileRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "out.yaml")

	cfg := DefaultConfig()
	cfg.Streaming.BufferPoolSize = 16
	cfg.Formats.Parquet.Compression = "zstd"
	require.NoError(t, cfg.SaveToFile(path))

	loaded, err := LoadFromFile(path)
	require.NoError(t, err)
	assert.Equal(t, cfg, loaded)
}
