// Package config provides configuration management for livemd using Viper,
// loading from a YAML file (.livemd.yml), environment variables with the
// LIVEMD_ prefix, and command-line flags. Values absent from all sources fall
// back to defaults tuned for a local live preview.
package config

import (
	"fmt"

	"github.com/spf13/viper"
)

type Config struct {
	Server   ServerConfig   `yaml:"server" mapstructure:"server"`
	Gate     GateConfig     `yaml:"gate" mapstructure:"gate"`
	Sessions SessionsConfig `yaml:"sessions" mapstructure:"sessions"`
	Preview  PreviewConfig  `yaml:"preview" mapstructure:"preview"`
	Watcher  WatcherConfig  `yaml:"watcher" mapstructure:"watcher"`
	LogLevel string         `yaml:"log_level" mapstructure:"log_level"`
}

type ServerConfig struct {
	Host string `yaml:"host" mapstructure:"host"`
	Port int    `yaml:"port" mapstructure:"port"`

	// HeartbeatSeconds is the interval between synthetic heartbeat events
	// injected into each streaming connection.
	HeartbeatSeconds int `yaml:"heartbeat_seconds" mapstructure:"heartbeat_seconds"`
}

type GateConfig struct {
	// ContentWindowMs is the fixed debounce window for content re-renders.
	ContentWindowMs int `yaml:"content_window_ms" mapstructure:"content_window_ms"`

	// CursorWindowMs is the throttle window for cursor move events.
	CursorWindowMs int `yaml:"cursor_window_ms" mapstructure:"cursor_window_ms"`
}

type SessionsConfig struct {
	// MaxConcurrent caps live sessions; 0 means unbounded, 1 reproduces
	// single-active-session behavior.
	MaxConcurrent int `yaml:"max_concurrent" mapstructure:"max_concurrent"`
}

type PreviewConfig struct {
	AutoScroll          bool    `yaml:"auto_scroll" mapstructure:"auto_scroll"`
	ScrollComfortTop    float64 `yaml:"scroll_comfort_top" mapstructure:"scroll_comfort_top"`
	ScrollComfortBottom float64 `yaml:"scroll_comfort_bottom" mapstructure:"scroll_comfort_bottom"`
}

type WatcherConfig struct {
	Enabled    bool `yaml:"enabled" mapstructure:"enabled"`
	DebounceMs int  `yaml:"debounce_ms" mapstructure:"debounce_ms"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:             "127.0.0.1",
			Port:             6419,
			HeartbeatSeconds: 15,
		},
		Gate: GateConfig{
			ContentWindowMs: 100,
			CursorWindowMs:  24,
		},
		Sessions: SessionsConfig{MaxConcurrent: 0},
		Preview: PreviewConfig{
			AutoScroll:          true,
			ScrollComfortTop:    0.25,
			ScrollComfortBottom: 0.65,
		},
		Watcher: WatcherConfig{
			Enabled:    true,
			DebounceMs: 150,
		},
		LogLevel: "info",
	}
}

// setDefaults registers defaults with viper so env/file values merge on top.
func setDefaults() {
	defaults := Default()
	viper.SetDefault("server.host", defaults.Server.Host)
	viper.SetDefault("server.port", defaults.Server.Port)
	viper.SetDefault("server.heartbeat_seconds", defaults.Server.HeartbeatSeconds)
	viper.SetDefault("gate.content_window_ms", defaults.Gate.ContentWindowMs)
	viper.SetDefault("gate.cursor_window_ms", defaults.Gate.CursorWindowMs)
	viper.SetDefault("sessions.max_concurrent", defaults.Sessions.MaxConcurrent)
	viper.SetDefault("preview.auto_scroll", defaults.Preview.AutoScroll)
	viper.SetDefault("preview.scroll_comfort_top", defaults.Preview.ScrollComfortTop)
	viper.SetDefault("preview.scroll_comfort_bottom", defaults.Preview.ScrollComfortBottom)
	viper.SetDefault("watcher.enabled", defaults.Watcher.Enabled)
	viper.SetDefault("watcher.debounce_ms", defaults.Watcher.DebounceMs)
	viper.SetDefault("log_level", defaults.LogLevel)
}

// Load unmarshals the merged viper state (file + env + flags) into a Config
// and validates it.
func Load() (*Config, error) {
	setDefaults()

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks a configuration for values the server cannot run with.
func Validate(cfg *Config) error {
	if cfg.Server.Port < 1 || cfg.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range 1-65535", cfg.Server.Port)
	}
	if cfg.Server.Host == "" {
		return fmt.Errorf("server.host must not be empty")
	}
	if cfg.Server.HeartbeatSeconds < 1 {
		return fmt.Errorf("server.heartbeat_seconds must be at least 1")
	}
	if cfg.Gate.ContentWindowMs < 0 {
		return fmt.Errorf("gate.content_window_ms must not be negative")
	}
	if cfg.Gate.CursorWindowMs < 0 {
		return fmt.Errorf("gate.cursor_window_ms must not be negative")
	}
	if cfg.Sessions.MaxConcurrent < 0 {
		return fmt.Errorf("sessions.max_concurrent must not be negative")
	}
	if cfg.Preview.ScrollComfortTop < 0 || cfg.Preview.ScrollComfortTop > 1 {
		return fmt.Errorf("preview.scroll_comfort_top must be between 0 and 1")
	}
	if cfg.Preview.ScrollComfortBottom < cfg.Preview.ScrollComfortTop || cfg.Preview.ScrollComfortBottom > 1 {
		return fmt.Errorf("preview.scroll_comfort_bottom must be between scroll_comfort_top and 1")
	}
	if cfg.Watcher.DebounceMs < 0 {
		return fmt.Errorf("watcher.debounce_ms must not be negative")
	}
	return nil
}
