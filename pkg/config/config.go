package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

const (
	DefaultManifestFileName = "MANIFEST"
	CurrentManifestVersion  = 1
)

var (
	ErrInvalidConfig    = errors.New("invalid configuration")
	ErrManifestNotFound = errors.New("manifest not found")
	ErrInvalidManifest  = errors.New("invalid manifest")
)

// Config describes the on-disk geometry of a store. Byte order of the index
// entries is native; the files are not portable across architectures with
// a different byte order.
type Config struct {
	Version int `json:"version"`

	// Data file geometry
	DataBlockSize int64 `json:"data_block_size"`

	// Index file geometry
	IndexBlockSize int64 `json:"index_block_size"`
	CacheLineSize  int64 `json:"cache_line_size"`

	// Default capacity reserved by StartExcerpt when none is given
	MessageCapacity int64 `json:"message_capacity"`

	// Flush data then index on every commit
	SynchronousMode bool `json:"synchronous_mode"`
}

// NewDefaultConfig returns a Config with the recommended defaults.
func NewDefaultConfig() *Config {
	return &Config{
		Version: CurrentManifestVersion,

		DataBlockSize:  64 * 1024 * 1024, // 64MB
		IndexBlockSize: 16 * 1024 * 1024, // 16MB
		CacheLineSize:  64,

		MessageCapacity: 128 * 1024, // 128KB
		SynchronousMode: false,
	}
}

// EntriesPerLine returns the number of index slots in one cache line.
func (c *Config) EntriesPerLine() int64 {
	return (c.CacheLineSize - 8) / 4
}

// EntriesPerBlock returns the number of index slots in one index block.
func (c *Config) EntriesPerBlock() int64 {
	return c.IndexBlockSize / c.CacheLineSize * c.EntriesPerLine()
}

// Validate checks the configuration is internally consistent.
func (c *Config) Validate() error {
	if c.Version <= 0 {
		return fmt.Errorf("%w: invalid version %d", ErrInvalidConfig, c.Version)
	}

	if err := checkBlockSize("data block size", c.DataBlockSize); err != nil {
		return err
	}
	if err := checkBlockSize("index block size", c.IndexBlockSize); err != nil {
		return err
	}

	if c.CacheLineSize < 16 {
		return fmt.Errorf("%w: cache line size %d below minimum 16", ErrInvalidConfig, c.CacheLineSize)
	}
	if c.CacheLineSize%8 != 0 {
		return fmt.Errorf("%w: cache line size %d not a multiple of 8", ErrInvalidConfig, c.CacheLineSize)
	}
	if c.IndexBlockSize%c.CacheLineSize != 0 {
		return fmt.Errorf("%w: cache line size %d does not divide index block size %d",
			ErrInvalidConfig, c.CacheLineSize, c.IndexBlockSize)
	}

	if c.MessageCapacity <= 0 {
		return fmt.Errorf("%w: message capacity must be positive", ErrInvalidConfig)
	}
	if c.MessageCapacity >= c.DataBlockSize {
		return fmt.Errorf("%w: message capacity %d not below data block size %d",
			ErrInvalidConfig, c.MessageCapacity, c.DataBlockSize)
	}

	return nil
}

func checkBlockSize(name string, size int64) error {
	if size < 4096 {
		return fmt.Errorf("%w: %s %d below minimum 4096", ErrInvalidConfig, name, size)
	}
	// Index slots are 32-bit offsets relative to a line base; a line can
	// span many records within one block, so the block size is capped well
	// below that range.
	if size > 128*1024*1024 {
		return fmt.Errorf("%w: %s %d above maximum 128MiB", ErrInvalidConfig, name, size)
	}
	if size&(size-1) != 0 {
		return fmt.Errorf("%w: %s %d not a power of two", ErrInvalidConfig, name, size)
	}
	return nil
}

// LoadManifest reads the configuration stored beside the files in dir.
func LoadManifest(dir string) (*Config, error) {
	data, err := os.ReadFile(filepath.Join(dir, DefaultManifestFileName))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrManifestNotFound
		}
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidManifest, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// SaveManifest writes the configuration to dir, creating it if needed. The
// write goes through a temp file and rename so a crashed writer never
// leaves a torn manifest.
func (c *Config) SaveManifest(dir string) error {
	if err := c.Validate(); err != nil {
		return err
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	manifestPath := filepath.Join(dir, DefaultManifestFileName)
	tempPath := manifestPath + ".tmp"

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(tempPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write manifest: %w", err)
	}

	if err := os.Rename(tempPath, manifestPath); err != nil {
		return fmt.Errorf("failed to rename manifest: %w", err)
	}

	return nil
}
