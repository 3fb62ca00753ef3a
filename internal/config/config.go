// Package config holds the server configuration: built-in defaults,
// optionally overlaid by a YAML file, then by command-line flags.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v2"
)

// Admin endpoint permission bits.
const (
	AdminFlush    = 1 << iota // /admin/flush_cache, /admin/purge_cache
	AdminShutdown             // /admin/shutdown
)

// Config is the full server configuration.
type Config struct {
	Bind    string `yaml:"bind"`
	Docroot string `yaml:"docroot"`

	// SpoolDir receives downloaded remote media (s3 sources).
	SpoolDir string `yaml:"spool_dir,omitempty"`

	CacheSizeMB     int `yaml:"cache_size_mb"`
	MaxDecoders     int `yaml:"max_decoders"`
	MaxIdleDecoders int `yaml:"max_idle_decoders"`

	JPEGQuality int `yaml:"jpeg_quality"`

	// NoIndex disables the /index/ directory listing.
	NoIndex bool `yaml:"no_index,omitempty"`

	// AdminMask enables admin endpoints (AdminFlush | AdminShutdown).
	AdminMask int `yaml:"admin_mask,omitempty"`

	// IgnoreStart makes frame 0 the first stream frame rather than
	// timestamp zero for containers with a start offset.
	IgnoreStart bool `yaml:"ignore_start,omitempty"`

	// GenPTS asks the demuxer to synthesise missing timestamps.
	GenPTS bool `yaml:"genpts,omitempty"`

	// SeekMode overrides the per-file seek strategy: "any", "key",
	// "continuous" or "livestream". Empty picks it from the URL scheme.
	SeekMode string `yaml:"seek_mode,omitempty"`

	// SeekThreshold and ScanLimit tune the decoder's forward scan;
	// zero keeps the decoder defaults.
	SeekThreshold int `yaml:"seek_threshold,omitempty"`
	ScanLimit     int `yaml:"scan_limit,omitempty"`

	Verbose bool `yaml:"verbose,omitempty"`
	Quiet   bool `yaml:"quiet,omitempty"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Bind:            ":1554",
		Docroot:         "/",
		SpoolDir:        os.TempDir() + "/vframed-spool",
		CacheSizeMB:     128,
		MaxDecoders:     8,
		MaxIdleDecoders: 4,
		JPEGQuality:     75,
	}
}

// FromFile overlays the configuration from a YAML file.
func (c *Config) FromFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("config: %s: %w", path, err)
	}
	return nil
}

// Validate rejects values the server cannot run with.
func (c *Config) Validate() error {
	if c.Bind == "" {
		return fmt.Errorf("config: bind address required")
	}
	if c.Docroot == "" {
		return fmt.Errorf("config: docroot required")
	}
	if c.CacheSizeMB <= 0 {
		return fmt.Errorf("config: cache_size_mb must be positive")
	}
	if c.MaxDecoders <= 0 {
		return fmt.Errorf("config: max_decoders must be positive")
	}
	if c.MaxIdleDecoders > c.MaxDecoders {
		c.MaxIdleDecoders = c.MaxDecoders
	}
	if c.JPEGQuality < 1 || c.JPEGQuality > 100 {
		return fmt.Errorf("config: jpeg_quality must be 1..100")
	}
	switch c.SeekMode {
	case "", "any", "key", "continuous", "livestream":
	default:
		return fmt.Errorf("config: unknown seek_mode %q", c.SeekMode)
	}
	return nil
}

// CacheBytes returns the cache budget in bytes.
func (c *Config) CacheBytes() int64 {
	return int64(c.CacheSizeMB) << 20
}
