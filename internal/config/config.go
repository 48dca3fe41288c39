// Package config loads BerryDB configuration files.
package config

import (
	"fmt"

	"github.com/spf13/viper"
)

// Config is the yaml configuration surface.
type Config struct {
	Pool struct {
		PageShift uint `mapstructure:"page_shift"`
		PoolSize  int  `mapstructure:"pool_size"`
	} `mapstructure:"pool"`

	Log struct {
		Level       string `mapstructure:"level"`
		Development bool   `mapstructure:"development"`
	} `mapstructure:"log"`

	Metrics struct {
		Enabled bool `mapstructure:"enabled"`
	} `mapstructure:"metrics"`
}

// Load reads the yaml config at path.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	v.SetDefault("pool.page_shift", 12)
	v.SetDefault("pool.pool_size", 128)
	v.SetDefault("log.level", "info")

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	return &cfg, nil
}
