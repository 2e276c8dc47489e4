// Package config loads the responder's configuration: built-in defaults,
// optionally overridden by a config file. Environment variables are never
// consulted (spec.md §6: "No environment variables are consulted"), so
// this package never calls viper.AutomaticEnv.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// ServerConfig is the responder's full configuration surface.
type ServerConfig struct {
	BindAddr string        `mapstructure:"bind_addr"`
	Port     int           `mapstructure:"port"`
	Dir      string        `mapstructure:"dir"`
	Timeout  time.Duration `mapstructure:"timeout"`
	// EvictMultiplier: sessions with no activity for this many multiples
	// of Timeout are reclaimed (spec.md §5: "5 x TIMEOUT").
	EvictMultiplier int `mapstructure:"evict_multiplier"`
	// DropRate simulates responder-side outbound loss; zero disables it.
	// This is the test knob from spec.md §9, never consulted by the
	// production send path directly — cmd/rudpft wires it into netsim.
	DropRate float64 `mapstructure:"drop_rate"`
}

// Default returns the built-in configuration, matching
// original_source/server.py's module-level constants (HOST, PORT,
// TIMEOUT, SERVER_DIR).
func Default() ServerConfig {
	return ServerConfig{
		BindAddr:        "0.0.0.0",
		Port:            8080,
		Dir:             "server_data",
		Timeout:         2 * time.Second,
		EvictMultiplier: 5,
		DropRate:        0,
	}
}

// Load builds a ServerConfig starting from Default(), then — if path is
// non-empty — overlaying values from the config file at path. CLI flags
// are applied by the caller afterwards (cmd/rudpft), so the precedence is
// always: CLI flag > config file > built-in default.
func Load(path string) (ServerConfig, error) {
	cfg := Default()

	v := viper.New()
	v.SetDefault("bind_addr", cfg.BindAddr)
	v.SetDefault("port", cfg.Port)
	v.SetDefault("dir", cfg.Dir)
	v.SetDefault("timeout", cfg.Timeout)
	v.SetDefault("evict_multiplier", cfg.EvictMultiplier)
	v.SetDefault("drop_rate", cfg.DropRate)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return ServerConfig{}, fmt.Errorf("config: read %s: %w", path, err)
		}
	}

	var out ServerConfig
	if err := v.Unmarshal(&out); err != nil {
		return ServerConfig{}, fmt.Errorf("config: unmarshal: %w", err)
	}
	return out, nil
}
