// Package config provides configuration loading and management for semrml.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/c360studio/semrml/export"
)

// Config represents the complete semrml configuration
type Config struct {
	NATS      NATSConfig      `yaml:"nats"`
	Mapping   MappingConfig   `yaml:"mapping"`
	Functions FunctionsConfig `yaml:"functions"`
	Join      JoinConfig      `yaml:"join"`
	Output    OutputConfig    `yaml:"output"`
	Log       LogConfig       `yaml:"log"`
}

// NATSConfig configures the NATS connection
type NATSConfig struct {
	// URL is the NATS server URL
	URL string `yaml:"url"`
	// Name is the client connection name
	Name string `yaml:"name"`
}

// MappingConfig locates mapping documents
type MappingConfig struct {
	// Paths are file paths or ** glob patterns of YAML mapping documents
	Paths []string `yaml:"paths"`
	// CatalogKey names a mapping stored in the KV catalog (used when Paths is empty)
	CatalogKey string `yaml:"catalog_key"`
}

// FunctionsConfig configures transformation function resolution
type FunctionsConfig struct {
	// ArtifactDir is where relative .wasm artifact locations are resolved
	ArtifactDir string `yaml:"artifact_dir"`
}

// JoinConfig configures the stream correlator
type JoinConfig struct {
	// WindowLength is the join window length
	WindowLength time.Duration `yaml:"window_length"`
	// Partitions is the number of key partitions
	Partitions int `yaml:"partitions"`
	// MaxOutOfOrderness is how far event time may lag the newest seen event
	MaxOutOfOrderness time.Duration `yaml:"max_out_of_orderness"`
}

// OutputConfig configures RDF serialization
type OutputConfig struct {
	// Format is turtle, ntriples or jsonld
	Format string `yaml:"format"`
}

// LogConfig configures logging
type LogConfig struct {
	// Level is debug, info, warn or error
	Level string `yaml:"level"`
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		NATS: NATSConfig{
			URL:  "nats://localhost:4222",
			Name: "semrml",
		},
		Functions: FunctionsConfig{
			ArtifactDir: "functions",
		},
		Join: JoinConfig{
			WindowLength:      10 * time.Second,
			Partitions:        4,
			MaxOutOfOrderness: 2 * time.Second,
		},
		Output: OutputConfig{
			Format: string(export.FormatNTriples),
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	if c.Join.WindowLength < time.Millisecond {
		return fmt.Errorf("join.window_length must be at least 1ms")
	}
	if c.Join.Partitions < 1 {
		return fmt.Errorf("join.partitions must be at least 1")
	}
	if c.Join.MaxOutOfOrderness < 0 {
		return fmt.Errorf("join.max_out_of_orderness must not be negative")
	}
	if _, err := export.ParseFormat(c.Output.Format); err != nil {
		return fmt.Errorf("output.format: %w", err)
	}
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level must be one of debug, info, warn, error")
	}
	return nil
}

// LoadFromFile loads configuration from a YAML file
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := &Config{}
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Mapping paths and the artifact dir are relative to the config file.
	base := filepath.Dir(path)
	for i, p := range config.Mapping.Paths {
		if !filepath.IsAbs(p) {
			config.Mapping.Paths[i] = filepath.Join(base, p)
		}
	}
	if config.Functions.ArtifactDir != "" && !filepath.IsAbs(config.Functions.ArtifactDir) {
		config.Functions.ArtifactDir = filepath.Join(base, config.Functions.ArtifactDir)
	}

	return config, nil
}

// SaveToFile saves configuration to a YAML file
func (c *Config) SaveToFile(path string) error {
	// Ensure parent directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Merge merges another config into this one (other takes precedence for non-zero values)
func (c *Config) Merge(other *Config) {
	if other == nil {
		return
	}

	// NATS
	if other.NATS.URL != "" {
		c.NATS.URL = other.NATS.URL
	}
	if other.NATS.Name != "" {
		c.NATS.Name = other.NATS.Name
	}

	// Mapping
	if len(other.Mapping.Paths) > 0 {
		c.Mapping.Paths = other.Mapping.Paths
	}
	if other.Mapping.CatalogKey != "" {
		c.Mapping.CatalogKey = other.Mapping.CatalogKey
	}

	// Functions
	if other.Functions.ArtifactDir != "" {
		c.Functions.ArtifactDir = other.Functions.ArtifactDir
	}

	// Join
	if other.Join.WindowLength != 0 {
		c.Join.WindowLength = other.Join.WindowLength
	}
	if other.Join.Partitions != 0 {
		c.Join.Partitions = other.Join.Partitions
	}
	if other.Join.MaxOutOfOrderness != 0 {
		c.Join.MaxOutOfOrderness = other.Join.MaxOutOfOrderness
	}

	// Output and logging
	if other.Output.Format != "" {
		c.Output.Format = other.Output.Format
	}
	if other.Log.Level != "" {
		c.Log.Level = other.Log.Level
	}
}
