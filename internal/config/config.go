// Package config loads the YAML config file. Every field has a default so
// running without a file works; flags in cmd/ override whatever is loaded.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Listen      string `yaml:"listen"`
	DBPath      string `yaml:"db_path"`
	Concurrency int    `yaml:"concurrency"`

	Dispatch struct {
		// SelfDrain makes executors consume their own dispatch queue
		// right after publishing. Only for local runs without an
		// external consumer; it eats messages a real consumer needs.
		SelfDrain  bool          `yaml:"self_drain"`
		Visibility time.Duration `yaml:"visibility"`
	} `yaml:"dispatch"`
}

func Default() Config {
	var c Config
	c.Listen = ":8080"
	c.DBPath = "tickflow.db"
	c.Concurrency = 8
	c.Dispatch.SelfDrain = false
	c.Dispatch.Visibility = 60 * time.Second
	return c
}

// Load reads the config file at path, applying defaults for absent
// fields. An empty path returns the defaults.
func Load(path string) (Config, error) {
	c := Default()
	if path == "" {
		return c, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &c); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := c.validate(); err != nil {
		return Config{}, fmt.Errorf("config %s: %w", path, err)
	}
	return c, nil
}

func (c Config) validate() error {
	if c.Concurrency < 1 {
		return fmt.Errorf("concurrency must be at least 1, got %d", c.Concurrency)
	}
	if c.Dispatch.Visibility <= 0 {
		return fmt.Errorf("dispatch.visibility must be positive")
	}
	return nil
}
