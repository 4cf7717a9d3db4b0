package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewDefaultConfig(t *testing.T) {
	dataDir := "/tmp/ppdata"
	cfg := NewDefaultConfig(dataDir)

	assert.Equal(t, CurrentConfigVersion, cfg.Version)
	assert.Equal(t, filepath.Join(dataDir, "runs"), cfg.RunsDir)
	assert.Equal(t, filepath.Join(dataDir, "blocks"), cfg.BlocksDir)
	assert.Equal(t, filepath.Join(dataDir, "backup"), cfg.BackupDir)
	assert.Equal(t, DefaultTargetPrimesPerBlock, cfg.TargetPrimesPerBlock)
	assert.True(t, cfg.DeleteRuns)
	assert.Equal(t, CompressionZstd, cfg.Compression)
}

func TestConfigValidate(t *testing.T) {
	cfg := NewDefaultConfig("/tmp/ppdata")
	require.NoError(t, cfg.Validate())

	testCases := []struct {
		name     string
		mutate   func(*Config)
		expected string
	}{
		{
			name:     "invalid version",
			mutate:   func(c *Config) { c.Version = 0 },
			expected: "invalid configuration: invalid version 0",
		},
		{
			name:     "empty runs dir",
			mutate:   func(c *Config) { c.RunsDir = "" },
			expected: "invalid configuration: runs directory not specified",
		},
		{
			name:     "runs and blocks share a directory",
			mutate:   func(c *Config) { c.RunsDir = c.BlocksDir + "/" },
			expected: "invalid configuration: runs and blocks must live in different directories",
		},
		{
			name:     "zero block capacity",
			mutate:   func(c *Config) { c.TargetPrimesPerBlock = 0 },
			expected: "invalid configuration: target primes per block must be positive",
		},
		{
			name:     "unknown compression",
			mutate:   func(c *Config) { c.Compression = "lz77" },
			expected: `invalid configuration: unknown compression "lz77"`,
		},
		{
			name:     "no workers",
			mutate:   func(c *Config) { c.Workers = 0 },
			expected: "invalid configuration: workers must be positive",
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := NewDefaultConfig("/tmp/ppdata")
			tc.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalidConfig)
			assert.Equal(t, tc.expected, err.Error())
		})
	}
}

func TestSaveAndLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, DefaultConfigFileName)

	cfg := NewDefaultConfig(dir)
	cfg.TargetPrimesPerBlock = 1234
	cfg.Compression = CompressionNone
	require.NoError(t, cfg.Save(path))

	_, err := os.Stat(path + ".tmp")
	assert.True(t, os.IsNotExist(err), "temp file should be renamed away")

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 1234, loaded.TargetPrimesPerBlock)
	assert.Equal(t, CompressionNone, loaded.Compression)
	assert.Equal(t, cfg.BlocksDir, loaded.BlocksDir)
}

func TestLoadDataDirOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, DefaultConfigFileName)
	require.NoError(t, os.WriteFile(path, []byte("data_dir: /srv/pp\ntarget_primes_per_block: 10\n"), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/srv/pp/blocks", cfg.BlocksDir)
	assert.Equal(t, "/srv/pp/runs", cfg.RunsDir)
	assert.Equal(t, 10, cfg.TargetPrimesPerBlock)
}

func TestLoadMissing(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.ErrorIs(t, err, ErrConfigNotFound)

	cfg, err := LoadOrDefault(t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, DefaultTargetPrimesPerBlock, cfg.TargetPrimesPerBlock)
}

func TestLoadInvalid(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, DefaultConfigFileName)
	require.NoError(t, os.WriteFile(path, []byte("workers: -1\n"), 0644))

	_, err := Load(path)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}
