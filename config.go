package tcback

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config carries the tunables of a backend deployment. The zero value of
// each field means "use the architecture's default".
type Config struct {
	// FreeLocalsUnroll is the number of dedicated "free N locals" stub
	// entry points.
	FreeLocalsUnroll int `yaml:"free_locals_unroll"`
	// CacheLineSize overrides the architecture's cache line size.
	CacheLineSize int `yaml:"cache_line_size"`
	// CodeCapacity is the size of regions allocated by MapCode.
	CodeCapacity int `yaml:"code_capacity"`
}

// DefaultConfig returns the settings used when no file is given.
func DefaultConfig() Config {
	return Config{
		CodeCapacity: 64 << 20,
	}
}

// LoadConfig reads a YAML config file, applying defaults for absent fields.
func LoadConfig(path string) (Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("tcback: reading config: %w", err)
	}
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return Config{}, fmt.Errorf("tcback: parsing config %s: %w", path, err)
	}
	if err := cfg.validate(); err != nil {
		return Config{}, fmt.Errorf("tcback: config %s: %w", path, err)
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.FreeLocalsUnroll < 0 {
		return fmt.Errorf("free_locals_unroll must not be negative, got %d", c.FreeLocalsUnroll)
	}
	if c.CacheLineSize < 0 || (c.CacheLineSize > 0 && c.CacheLineSize&(c.CacheLineSize-1) != 0) {
		return fmt.Errorf("cache_line_size must be a power of two, got %d", c.CacheLineSize)
	}
	if c.CodeCapacity < 0 {
		return fmt.Errorf("code_capacity must not be negative, got %d", c.CodeCapacity)
	}
	return nil
}
