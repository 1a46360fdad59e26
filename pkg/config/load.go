package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Load reads a YAML configuration file on top of the defaults and
// validates the result. An empty path returns the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	}

	cfg.applyDerived()

	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// applyDerived fills fields whose default depends on other fields.
func (c *Config) applyDerived() {
	if c.Templates.SpecDir == "" {
		c.Templates.SpecDir = filepath.Dir(c.Templates.Path)
	}
}
