// Package config loads the runtime configuration from YAML, TOML or JSON.
package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/born-ml/lazyclone/internal/device"
	"github.com/born-ml/lazyclone/internal/parallel"
)

// Config holds the process-wide runtime parameters. It is built once and
// handed to runtime.New.
type Config struct {
	DefaultDevice    string            `json:"default_device" yaml:"default_device" toml:"default_device"`
	CachingAllocator CachingAllocator  `json:"caching_allocator" yaml:"caching_allocator" toml:"caching_allocator"`
	ParallelCopy     parallel.Config   `json:"parallel_copy" yaml:"parallel_copy" toml:"parallel_copy"`
	VirtualDevices   []VirtualDevice   `json:"virtual_devices" yaml:"virtual_devices" toml:"virtual_devices"`
	WebGPU           WebGPU            `json:"webgpu" yaml:"webgpu" toml:"webgpu"`
	Labels           map[string]string `json:"labels,omitempty" yaml:"labels,omitempty" toml:"labels,omitempty"`
}

// CachingAllocator configures size-class pooling of host blocks.
type CachingAllocator struct {
	Enabled     bool `json:"enabled" yaml:"enabled" toml:"enabled"`
	MaxPoolSize int  `json:"max_pool_size" yaml:"max_pool_size" toml:"max_pool_size"`
}

// VirtualDevice declares software accelerator devices.
type VirtualDevice struct {
	Type          string   `json:"type" yaml:"type" toml:"type"`
	Count         int      `json:"count" yaml:"count" toml:"count"`
	UnifiedMemory bool     `json:"unified_memory" yaml:"unified_memory" toml:"unified_memory"`
	Latency       Duration `json:"latency" yaml:"latency" toml:"latency"`
}

// WebGPU toggles the native GPU backend where it is built.
type WebGPU struct {
	Enabled bool `json:"enabled" yaml:"enabled" toml:"enabled"`
}

// Duration is a time.Duration that decodes from strings like "250us".
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(string(b))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// Default returns a configuration with the caching allocator enabled, the
// default parallel copy settings and no virtual devices.
func Default() Config {
	return Config{
		DefaultDevice: "cpu",
		CachingAllocator: CachingAllocator{
			Enabled:     true,
			MaxPoolSize: 100,
		},
		ParallelCopy: parallel.DefaultConfig(),
	}
}

// Load reads a configuration file based on its extension and applies it on
// top of Default(). Supports: .yaml/.yml, .json, .toml
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, errors.New("empty config path")
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, errors.Wrapf(err, "reading config %s", path)
	}
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(b, &cfg)
	case ".json":
		err = json.Unmarshal(b, &cfg)
	case ".toml":
		err = toml.Unmarshal(b, &cfg)
	default:
		return cfg, errors.Errorf("unsupported config extension: %s", ext)
	}
	if err != nil {
		return cfg, errors.Wrapf(err, "decoding config %s", path)
	}
	return cfg, cfg.Validate()
}

// Validate checks device names and counts.
func (c Config) Validate() error {
	if c.DefaultDevice != "" {
		if _, err := device.Parse(c.DefaultDevice); err != nil {
			return errors.WithMessage(err, "default_device")
		}
	}
	for i, vd := range c.VirtualDevices {
		t, err := device.ParseType(vd.Type)
		if err != nil {
			return errors.WithMessagef(err, "virtual_devices[%d]", i)
		}
		if t == device.CPU {
			return errors.Errorf("virtual_devices[%d]: cpu cannot be virtualized", i)
		}
		if vd.Count <= 0 {
			return errors.Errorf("virtual_devices[%d]: count must be > 0, got %d", i, vd.Count)
		}
	}
	if c.CachingAllocator.MaxPoolSize < 0 {
		return errors.Errorf("caching_allocator.max_pool_size must be >= 0, got %d", c.CachingAllocator.MaxPoolSize)
	}
	return nil
}
