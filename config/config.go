// Package config loads interpreter settings from a yex.toml file.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"

	"github.com/yex-lang/yex/vm"
)

// DefaultFileName is the file FindAndLoad searches for.
const DefaultFileName = "yex.toml"

// Config is the on-disk configuration.
type Config struct {
	VM  VMConfig  `toml:"vm"`
	GC  GCConfig  `toml:"gc"`
	FFI FFIConfig `toml:"ffi"`
}

// VMConfig sizes the interpreter.
type VMConfig struct {
	StackSize int  `toml:"stack-size"`
	MaxFrames int  `toml:"max-frames"`
	Trace     bool `toml:"trace"`
}

// GCConfig tunes the collector. Sizes are in bytes.
type GCConfig struct {
	Threshold int64 `toml:"threshold"`
	MaxHeap   int64 `toml:"max-heap"`
	Disabled  bool  `toml:"disabled"`
}

// FFIConfig names the foreign function sets the host should expose.
type FFIConfig struct {
	Libraries []string `toml:"libraries"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		VM: VMConfig{
			StackSize: vm.DefaultStackSize,
			MaxFrames: vm.DefaultMaxFrames,
		},
		GC: GCConfig{
			Threshold: vm.DefaultGCThreshold,
		},
	}
}

// Load reads path, layering it over the defaults. Unknown keys are an
// error so typos do not pass silently.
func Load(path string) (*Config, error) {
	cfg := Default()
	meta, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) != 0 {
		return nil, fmt.Errorf("config: unknown key %q in %s", undecoded[0], path)
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}
	return cfg, nil
}

// FindAndLoad walks from dir upward looking for yex.toml and loads the
// first one found. Absence is not an error; the defaults come back.
func FindAndLoad(dir string) (*Config, error) {
	dir, err := filepath.Abs(dir)
	if err != nil {
		return nil, err
	}
	for {
		path := filepath.Join(dir, DefaultFileName)
		if _, err := os.Stat(path); err == nil {
			return Load(path)
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return Default(), nil
		}
		dir = parent
	}
}

func (c *Config) validate() error {
	if c.VM.StackSize < 0 {
		return fmt.Errorf("vm.stack-size must not be negative")
	}
	if c.VM.MaxFrames < 0 {
		return fmt.Errorf("vm.max-frames must not be negative")
	}
	if c.GC.Threshold < 0 {
		return fmt.Errorf("gc.threshold must not be negative")
	}
	if c.GC.MaxHeap < 0 {
		return fmt.Errorf("gc.max-heap must not be negative")
	}
	return nil
}

// Options converts the configuration into interpreter options.
func (c *Config) Options() vm.Options {
	return vm.Options{
		StackSize:    c.VM.StackSize,
		MaxFrames:    c.VM.MaxFrames,
		GCThreshold:  c.GC.Threshold,
		MaxHeapBytes: c.GC.MaxHeap,
		GCDisabled:   c.GC.Disabled,
		Trace:        c.VM.Trace,
	}
}
