// Package config loads the optional codeswitch.toml runtime configuration:
// heap and stack sizing and collector logging. Configuration is discovered
// by walking up from the working directory, so a project can pin VM limits
// next to its sources.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
	"github.com/inhies/go-bytesize"

	"github.com/chazu/codeswitch/memory"
)

// FileName is the configuration file searched for by FindAndLoad.
const FileName = "codeswitch.toml"

// Config mirrors codeswitch.toml.
//
//	[heap]
//	allocation-limit = "16MB"
//
//	[stack]
//	size = 8192
//
//	[gc]
//	log = true
type Config struct {
	Heap  HeapConfig  `toml:"heap"`
	Stack StackConfig `toml:"stack"`
	GC    GCConfig    `toml:"gc"`

	// Path is where the configuration was found, for diagnostics.
	Path string `toml:"-"`
}

// HeapConfig configures the managed heap.
type HeapConfig struct {
	// AllocationLimit is the heap occupancy that triggers collection,
	// in bytesize notation ("4MB", "512KB").
	AllocationLimit string `toml:"allocation-limit"`
}

// StackConfig configures interpreter stacks.
type StackConfig struct {
	// Size is the byte size of each interpreter stack.
	Size int64 `toml:"size"`
}

// GCConfig configures collector diagnostics.
type GCConfig struct {
	// Log is read from the file but not applied: Apply leaves collector
	// logging unchanged.
	Log bool `toml:"log"`
}

// Load reads the configuration at path.
func Load(path string) (*Config, error) {
	var c Config
	if _, err := toml.DecodeFile(path, &c); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	c.Path = path
	return &c, nil
}

// FindAndLoad walks up from dir looking for codeswitch.toml. It returns
// (nil, nil) when no configuration exists.
func FindAndLoad(dir string) (*Config, error) {
	dir, err := filepath.Abs(dir)
	if err != nil {
		return nil, err
	}
	for {
		path := filepath.Join(dir, FileName)
		if _, err := os.Stat(path); err == nil {
			return Load(path)
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return nil, nil
		}
		dir = parent
	}
}

// Apply installs the configuration into the process-wide heap and stack
// pool. Zero values leave the defaults in place.
func (c *Config) Apply() error {
	if c.Heap.AllocationLimit != "" {
		limit, err := bytesize.Parse(c.Heap.AllocationLimit)
		if err != nil {
			return fmt.Errorf("%s: heap.allocation-limit: %w", c.Path, err)
		}
		memory.ProcessHeap.SetAllocationLimit(uintptr(limit))
	}
	if c.Stack.Size < 0 {
		return fmt.Errorf("%s: stack.size must be positive", c.Path)
	}
	if c.Stack.Size > 0 {
		memory.ProcessStacks.SetStackSize(uintptr(c.Stack.Size))
	}
	return nil
}
