package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultValidates(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
}

func TestFromFileOverlay(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vframed.yml")
	err := os.WriteFile(path, []byte(
		"bind: \":8054\"\n"+
			"docroot: /srv/media\n"+
			"cache_size_mb: 64\n"+
			"max_decoders: 3\n"+
			"admin_mask: 3\n"+
			"no_index: true\n"), 0o644)
	if err != nil {
		t.Fatal(err)
	}

	cfg := Default()
	if err := cfg.FromFile(path); err != nil {
		t.Fatalf("FromFile: %v", err)
	}
	if cfg.Bind != ":8054" || cfg.Docroot != "/srv/media" {
		t.Errorf("overlay lost bind/docroot: %+v", cfg)
	}
	if cfg.CacheSizeMB != 64 || cfg.MaxDecoders != 3 {
		t.Errorf("overlay lost sizes: %+v", cfg)
	}
	if cfg.AdminMask != AdminFlush|AdminShutdown {
		t.Errorf("admin mask: got %d", cfg.AdminMask)
	}
	if !cfg.NoIndex {
		t.Errorf("no_index not applied")
	}
	// Untouched keys keep their defaults.
	if cfg.JPEGQuality != 75 {
		t.Errorf("jpeg quality default lost: %d", cfg.JPEGQuality)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("overlaid config invalid: %v", err)
	}
}

func TestValidateRejectsNonsense(t *testing.T) {
	for _, mutate := range []func(*Config){
		func(c *Config) { c.Bind = "" },
		func(c *Config) { c.Docroot = "" },
		func(c *Config) { c.CacheSizeMB = 0 },
		func(c *Config) { c.MaxDecoders = -1 },
		func(c *Config) { c.JPEGQuality = 0 },
		func(c *Config) { c.JPEGQuality = 101 },
	} {
		cfg := Default()
		mutate(cfg)
		if err := cfg.Validate(); err == nil {
			t.Errorf("Validate accepted %+v", cfg)
		}
	}
}

func TestValidateClampsIdle(t *testing.T) {
	cfg := Default()
	cfg.MaxDecoders = 2
	cfg.MaxIdleDecoders = 10
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if cfg.MaxIdleDecoders != 2 {
		t.Fatalf("idle cap not clamped: %d", cfg.MaxIdleDecoders)
	}
}

func TestCacheBytes(t *testing.T) {
	cfg := Default()
	cfg.CacheSizeMB = 10
	if got := cfg.CacheBytes(); got != 10<<20 {
		t.Fatalf("CacheBytes: got %d", got)
	}
}

func TestFromFileMissing(t *testing.T) {
	cfg := Default()
	if err := cfg.FromFile("/does/not/exist.yml"); err == nil {
		t.Fatalf("FromFile accepted a missing file")
	}
}
