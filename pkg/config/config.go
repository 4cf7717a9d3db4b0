package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

const (
	DefaultConfigFileName = "pparts.yaml"
	CurrentConfigVersion  = 1

	// DefaultTargetPrimesPerBlock bounds block size in unique primes, not rows
	DefaultTargetPrimesPerBlock = 500_000
)

var (
	ErrInvalidConfig  = errors.New("invalid configuration")
	ErrConfigNotFound = errors.New("config file not found")
)

// Compression selects the column codec used for blocks and run files
type Compression string

const (
	CompressionNone Compression = "none"
	CompressionZstd Compression = "zstd"
)

// Config is loaded once at startup and handed to every component at construction.
// Nothing below re-reads it from the environment or from disk.
type Config struct {
	Version int `yaml:"version"`

	// Storage roots
	DataDir   string `yaml:"data_dir"`
	RunsDir   string `yaml:"runs_dir"`
	BlocksDir string `yaml:"blocks_dir"`
	BackupDir string `yaml:"backup_dir"`

	// Compaction
	TargetPrimesPerBlock int         `yaml:"target_primes_per_block"`
	DeleteRuns           bool        `yaml:"delete_runs"`
	Compression          Compression `yaml:"compression"`

	// Work sessions
	Workers   int `yaml:"workers"`
	BatchSize int `yaml:"batch_size"`

	// Prime oracle and auditing
	OracleMaxPrimes       int `yaml:"oracle_max_primes"`
	DivergenceCacheBlocks int `yaml:"divergence_cache_blocks"`

	LogLevel string `yaml:"log_level"`
}

// NewDefaultConfig creates a Config with recommended default values
func NewDefaultConfig(dataDir string) *Config {
	return &Config{
		Version: CurrentConfigVersion,

		DataDir:   dataDir,
		RunsDir:   filepath.Join(dataDir, "runs"),
		BlocksDir: filepath.Join(dataDir, "blocks"),
		BackupDir: filepath.Join(dataDir, "backup"),

		TargetPrimesPerBlock: DefaultTargetPrimesPerBlock,
		DeleteRuns:           true,
		Compression:          CompressionZstd,

		Workers:   4,
		BatchSize: 10_000,

		OracleMaxPrimes:       1 << 28, // ~268M primes, 2GB of table
		DivergenceCacheBlocks: 8,

		LogLevel: "info",
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Version <= 0 {
		return fmt.Errorf("%w: invalid version %d", ErrInvalidConfig, c.Version)
	}

	if c.RunsDir == "" {
		return fmt.Errorf("%w: runs directory not specified", ErrInvalidConfig)
	}

	if c.BlocksDir == "" {
		return fmt.Errorf("%w: blocks directory not specified", ErrInvalidConfig)
	}

	if c.BackupDir == "" {
		return fmt.Errorf("%w: backup directory not specified", ErrInvalidConfig)
	}

	if filepath.Clean(c.RunsDir) == filepath.Clean(c.BlocksDir) {
		return fmt.Errorf("%w: runs and blocks must live in different directories", ErrInvalidConfig)
	}

	if c.TargetPrimesPerBlock <= 0 {
		return fmt.Errorf("%w: target primes per block must be positive", ErrInvalidConfig)
	}

	switch c.Compression {
	case CompressionNone, CompressionZstd:
	default:
		return fmt.Errorf("%w: unknown compression %q", ErrInvalidConfig, c.Compression)
	}

	if c.Workers <= 0 {
		return fmt.Errorf("%w: workers must be positive", ErrInvalidConfig)
	}

	if c.BatchSize <= 0 {
		return fmt.Errorf("%w: batch size must be positive", ErrInvalidConfig)
	}

	if c.OracleMaxPrimes <= 0 {
		return fmt.Errorf("%w: oracle max primes must be positive", ErrInvalidConfig)
	}

	if c.DivergenceCacheBlocks <= 0 {
		return fmt.Errorf("%w: divergence cache must hold at least one block", ErrInvalidConfig)
	}

	return nil
}

// EnsureDirs creates the storage roots if they do not exist
func (c *Config) EnsureDirs() error {
	for _, dir := range []string{c.RunsDir, c.BlocksDir, c.BackupDir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}
	return nil
}

// Load reads a YAML config file. Missing fields keep the defaults derived
// from the data directory the file lives in.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrConfigNotFound
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	cfg := NewDefaultConfig(filepath.Dir(path))
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}

	// A data_dir override moves every root that was not set explicitly.
	var raw map[string]interface{}
	if err := yaml.Unmarshal(data, &raw); err == nil {
		if _, ok := raw["data_dir"]; ok {
			def := NewDefaultConfig(cfg.DataDir)
			if _, ok := raw["runs_dir"]; !ok {
				cfg.RunsDir = def.RunsDir
			}
			if _, ok := raw["blocks_dir"]; !ok {
				cfg.BlocksDir = def.BlocksDir
			}
			if _, ok := raw["backup_dir"]; !ok {
				cfg.BackupDir = def.BackupDir
			}
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// LoadOrDefault loads dataDir/pparts.yaml, falling back to defaults when absent
func LoadOrDefault(dataDir string) (*Config, error) {
	cfg, err := Load(filepath.Join(dataDir, DefaultConfigFileName))
	if errors.Is(err, ErrConfigNotFound) {
		return NewDefaultConfig(dataDir), nil
	}
	return cfg, err
}

// Save writes the configuration as YAML, replacing the file atomically
func (c *Config) Save(path string) error {
	if err := c.Validate(); err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	tempPath := path + ".tmp"
	if err := os.WriteFile(tempPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	if err := os.Rename(tempPath, path); err != nil {
		return fmt.Errorf("failed to rename config: %w", err)
	}

	return nil
}
