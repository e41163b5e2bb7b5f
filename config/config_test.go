package config

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/INLOpen/seqindex/binio"
	"github.com/INLOpen/seqindex/core"
	"github.com/INLOpen/seqindex/ssi"
)

func TestLoad_ValidConfig(t *testing.T) {
	yamlContent := `
build:
  max_in_memory_bytes: 1048576
  data_offset_width: 32
  spill_compression: zstd
logging:
  level: debug
`
	cfg, err := Load(strings.NewReader(yamlContent))
	require.NoError(t, err)
	require.NotNil(t, cfg)

	// Check overridden values
	assert.Equal(t, int64(1048576), cfg.Build.MaxInMemoryBytes)
	assert.Equal(t, 32, cfg.Build.DataOffsetWidth)
	assert.Equal(t, "zstd", cfg.Build.SpillCompression)
	assert.Equal(t, "debug", cfg.Logging.Level)

	// Check defaults that were not overridden
	assert.Equal(t, 64, cfg.Build.IndexOffsetWidth)
	assert.Equal(t, "stderr", cfg.Logging.Output)
}

func TestLoad_EmptyConfigUsesDefaults(t *testing.T) {
	cfg, err := Load(strings.NewReader(""))
	require.NoError(t, err)
	assert.Equal(t, int64(ssi.DefaultMaxInMemoryBytes), cfg.Build.MaxInMemoryBytes)
	assert.Equal(t, 64, cfg.Build.DataOffsetWidth)
	assert.Equal(t, "snappy", cfg.Build.SpillCompression)
	assert.Equal(t, "info", cfg.Logging.Level)
}

func TestLoad_InvalidValues(t *testing.T) {
	cases := map[string]string{
		"bad width":       "build:\n  data_offset_width: 48\n",
		"bad compression": "build:\n  spill_compression: gzip\n",
		"bad level":       "logging:\n  level: verbose\n",
		"bad output":      "logging:\n  output: syslog\n",
		"bad memory":      "build:\n  max_in_memory_bytes: -1\n",
		"bad yaml":        "build: [not, a, map\n",
	}
	for name, yamlContent := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Load(strings.NewReader(yamlContent))
			assert.Error(t, err)
		})
	}
}

func TestBuilderOptions(t *testing.T) {
	yamlContent := `
build:
  max_in_memory_bytes: 4096
  data_offset_width: 32
  index_offset_width: 64
  spill_compression: lz4
  temp_dir: /tmp/spill
`
	cfg, err := Load(strings.NewReader(yamlContent))
	require.NoError(t, err)

	opts, err := cfg.BuilderOptions(nil)
	require.NoError(t, err)
	assert.Equal(t, int64(4096), opts.MaxInMemoryBytes)
	assert.Equal(t, binio.Offset32, opts.DataOffsetMode)
	assert.Equal(t, binio.Offset64, opts.IndexOffsetMode)
	assert.Equal(t, "/tmp/spill", opts.TempDir)
	assert.Equal(t, core.CompressionLZ4, opts.SpillCompressor.Type())
}

func TestLoadFromFile_EmptyPath(t *testing.T) {
	cfg, err := LoadFromFile("")
	require.NoError(t, err)
	assert.Equal(t, "snappy", cfg.Build.SpillCompression)
}
