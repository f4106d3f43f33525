package hv

import (
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// Config describes a virtual machine before it is created. Name is
// required on FreeBSD, where the kernel keys VM instances by name; other
// backends use it for diagnostics only. MaxVCPUs fixes the processor count
// on backends that need it up front (WHP sets it as a partition property
// before setup).
type Config struct {
	Name     string `yaml:"name"`
	MaxVCPUs int    `yaml:"max_vcpus"`
}

// DefaultMaxVCPUs applies when a Config leaves MaxVCPUs unset.
const DefaultMaxVCPUs = 1

func (c *Config) validate() error {
	if c.MaxVCPUs == 0 {
		c.MaxVCPUs = DefaultMaxVCPUs
	}
	if c.MaxVCPUs < 0 {
		return Errorf(KindInvalidArgument, "config", "max_vcpus must be positive, got %d", c.MaxVCPUs)
	}
	if c.Name == "" {
		c.Name = fmt.Sprintf("vm-%d", os.Getpid())
	}
	return nil
}

// ParseConfig decodes a YAML VM description.
func ParseConfig(r io.Reader) (Config, error) {
	var cfg Config

	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return Config{}, WrapError(KindInvalidArgument, "config: parse", 0, err)
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// LoadConfig reads a YAML VM description from a file.
func LoadConfig(path string) (Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return Config{}, WrapError(KindInvalidArgument, "config: open", 0, err)
	}
	defer f.Close()

	return ParseConfig(f)
}
