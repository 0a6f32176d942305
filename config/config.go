// Package config loads the bus-mapping TOML configuration.
package config

import (
	"errors"
	"fmt"
	"os"

	"github.com/erigontech/erigon-lib/log/v3"
	"github.com/pelletier/go-toml/v2"

	"erigon-bus-mapping/builder"
)

type Log struct {
	Level string `toml:"level"`
}

type Metrics struct {
	Enabled bool `toml:"enabled"`
}

type Config struct {
	Builder builder.Config `toml:"builder"`
	Log     Log            `toml:"log"`
	Metrics Metrics        `toml:"metrics"`
}

func Default() Config {
	return Config{
		Builder: builder.DefaultConfig(),
		Log:     Log{Level: "info"},
	}
}

// Parse overlays a TOML document on the defaults.
func Parse(data []byte) (Config, error) {
	cfg := Default()
	if err := toml.Unmarshal(data, &cfg); err != nil {
		var derr *toml.DecodeError
		if errors.As(err, &derr) {
			row, col := derr.Position()
			return Config{}, fmt.Errorf("config: line %d column %d: %w", row, col, err)
		}
		return Config{}, fmt.Errorf("config: %w", err)
	}
	return cfg, cfg.Validate()
}

// Load reads and parses a TOML file. An empty path yields the defaults.
func Load(path string) (Config, error) {
	if path == "" {
		return Default(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	return Parse(data)
}

func (c Config) Validate() error {
	if err := c.Builder.Validate(); err != nil {
		return fmt.Errorf("config: builder: %w", err)
	}
	if _, err := c.LogLevel(); err != nil {
		return fmt.Errorf("config: log: %w", err)
	}
	return nil
}

func (c Config) LogLevel() (log.Lvl, error) {
	return log.LvlFromString(c.Log.Level)
}
