// Package config loads tool configuration for index building and
// lookup from YAML, with defaults applied before unmarshalling so a
// partial file only overrides what it names.
package config

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/INLOpen/seqindex/binio"
	"github.com/INLOpen/seqindex/compressors"
	"github.com/INLOpen/seqindex/core"
	"github.com/INLOpen/seqindex/ssi"
)

// BuildConfig holds index-construction settings.
type BuildConfig struct {
	// MaxInMemoryBytes is the estimated index size at which key
	// staging switches to external sort.
	MaxInMemoryBytes int64 `yaml:"max_in_memory_bytes"`
	// AutoMemoryLimit sizes the staging ceiling from available RAM
	// instead of MaxInMemoryBytes.
	AutoMemoryLimit bool   `yaml:"auto_memory_limit"`
	TempDir         string `yaml:"temp_dir"`
	// DataOffsetWidth and IndexOffsetWidth are 32 or 64.
	DataOffsetWidth  int `yaml:"data_offset_width"`
	IndexOffsetWidth int `yaml:"index_offset_width"`
	// SpillCompression is one of "none", "snappy", "lz4", "zstd".
	SpillCompression string `yaml:"spill_compression"`
}

// LoggingConfig holds logging-specific configurations.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // "debug", "info", "warn", "error"
	Output string `yaml:"output"` // "stdout", "stderr", "file", "none"
	File   string `yaml:"file"`   // log file path, used when output is "file"
}

// Config is the top-level configuration struct.
type Config struct {
	Build   BuildConfig   `yaml:"build"`
	Logging LoggingConfig `yaml:"logging"`
}

// Load reads configuration from an io.Reader.
// This is the core logic, separated for testability.
func Load(r io.Reader) (*Config, error) {
	cfg := &Config{
		Build: BuildConfig{
			MaxInMemoryBytes: ssi.DefaultMaxInMemoryBytes,
			AutoMemoryLimit:  false,
			DataOffsetWidth:  64,
			IndexOffsetWidth: 64,
			SpillCompression: "snappy",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Output: "stderr",
			File:   "seqindex.log",
		},
	}

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromFile loads configuration from a YAML file at path. An empty
// path yields the defaults.
func LoadFromFile(path string) (*Config, error) {
	if path == "" {
		return Load(strings.NewReader(""))
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file %s: %w", path, err)
	}
	defer f.Close()
	return Load(f)
}

func (c *Config) validate() error {
	if c.Build.MaxInMemoryBytes <= 0 {
		return fmt.Errorf("build.max_in_memory_bytes must be positive, got %d", c.Build.MaxInMemoryBytes)
	}
	if _, err := offsetMode(c.Build.DataOffsetWidth); err != nil {
		return fmt.Errorf("build.data_offset_width: %w", err)
	}
	if _, err := offsetMode(c.Build.IndexOffsetWidth); err != nil {
		return fmt.Errorf("build.index_offset_width: %w", err)
	}
	if _, err := spillCompressor(c.Build.SpillCompression); err != nil {
		return err
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be one of debug/info/warn/error, got %q", c.Logging.Level)
	}
	switch c.Logging.Output {
	case "stdout", "stderr", "file", "none":
	default:
		return fmt.Errorf("logging.output must be one of stdout/stderr/file/none, got %q", c.Logging.Output)
	}
	return nil
}

// BuilderOptions maps the build section onto ssi.BuilderOptions.
func (c *Config) BuilderOptions(logger *slog.Logger) (ssi.BuilderOptions, error) {
	smode, err := offsetMode(c.Build.DataOffsetWidth)
	if err != nil {
		return ssi.BuilderOptions{}, err
	}
	imode, err := offsetMode(c.Build.IndexOffsetWidth)
	if err != nil {
		return ssi.BuilderOptions{}, err
	}
	comp, err := spillCompressor(c.Build.SpillCompression)
	if err != nil {
		return ssi.BuilderOptions{}, err
	}
	return ssi.BuilderOptions{
		MaxInMemoryBytes: c.Build.MaxInMemoryBytes,
		AutoMemoryLimit:  c.Build.AutoMemoryLimit,
		TempDir:          c.Build.TempDir,
		DataOffsetMode:   smode,
		IndexOffsetMode:  imode,
		SpillCompressor:  comp,
		Logger:           logger,
	}, nil
}

// NewLogger builds the slog logger described by the logging section.
func (c *Config) NewLogger() (*slog.Logger, error) {
	var level slog.Level
	switch c.Logging.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	var w io.Writer
	switch c.Logging.Output {
	case "stdout":
		w = os.Stdout
	case "stderr":
		w = os.Stderr
	case "none":
		w = io.Discard
	case "file":
		f, err := os.OpenFile(c.Logging.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file %s: %w", c.Logging.File, err)
		}
		w = f
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level})), nil
}

func offsetMode(width int) (binio.OffsetMode, error) {
	switch width {
	case 32:
		return binio.Offset32, nil
	case 64:
		return binio.Offset64, nil
	default:
		return 0, fmt.Errorf("offset width must be 32 or 64, got %d", width)
	}
}

func spillCompressor(name string) (core.Compressor, error) {
	switch name {
	case "none":
		return &compressors.NoCompressionCompressor{}, nil
	case "snappy", "":
		return compressors.NewSnappyCompressor(), nil
	case "lz4":
		return compressors.NewLz4Compressor(), nil
	case "zstd":
		return compressors.NewZstdCompressor(), nil
	default:
		return nil, fmt.Errorf("build.spill_compression must be one of none/snappy/lz4/zstd, got %q", name)
	}
}
