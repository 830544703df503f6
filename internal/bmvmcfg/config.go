// Package bmvmcfg loads a YAML runtime manifest into a plain Config value
// that mirrors RuntimeBuilder's fluent options, so a deployment can describe
// a runtime declaratively instead of composing the builder in Go.
package bmvmcfg

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// VMConfig mirrors runtime.VMConfig.
type VMConfig struct {
	StackSize        uint64 `yaml:"stack_size"`
	SharedMemorySize uint64 `yaml:"shared_memory_size"`
	Debug            bool   `yaml:"debug"`
}

// LinkerConfig mirrors linker.Config.
type LinkerConfig struct {
	ErrorUnusedHost  bool `yaml:"error_unused_host"`
	ErrorUnusedGuest bool `yaml:"error_unused_guest"`
}

// Config is the top-level manifest shape.
type Config struct {
	VM         VMConfig     `yaml:"vm"`
	Linker     LinkerConfig `yaml:"linker"`
	Executable string       `yaml:"executable"`
}

// defaultStackSize and defaultSharedMemorySize match RuntimeBuilder's own
// zero-value defaults, applied here so a manifest may omit either field.
const (
	defaultStackSize        = 1 << 20 // 1 MiB
	defaultSharedMemorySize = 4 << 20 // 4 MiB
)

// LoadConfig reads and unmarshals a YAML manifest from path.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("bmvmcfg: read %s: %w", path, err)
	}

	cfg := &Config{
		VM: VMConfig{
			StackSize:        defaultStackSize,
			SharedMemorySize: defaultSharedMemorySize,
		},
		Linker: LinkerConfig{ErrorUnusedHost: true},
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("bmvmcfg: parse %s: %w", path, err)
	}
	if cfg.Executable == "" {
		return nil, fmt.Errorf("bmvmcfg: %s: missing required field %q", path, "executable")
	}
	return cfg, nil
}
