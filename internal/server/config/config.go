// Package config loads server configuration from defaults, an optional
// YAML file, and FLEET_-prefixed environment variables, in that order.
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Config holds all server settings.
type Config struct {
	Addr             string `koanf:"addr"`
	DataDir          string `koanf:"data_dir"`
	AuthSecret       string `koanf:"auth_secret"`
	MaxWorkers       int    `koanf:"max_workers"`
	DefaultTeamName  string `koanf:"default_team_name"`
	ServerURL        string `koanf:"server_url"`
	AutoRestart      bool   `koanf:"auto_restart"`
	UseWorktrees     bool   `koanf:"use_worktrees"`
	WorktreeBaseDir  string `koanf:"worktree_base_dir"`
	InjectMail       bool   `koanf:"inject_mail"`
	DefaultSpawnMode string `koanf:"default_spawn_mode"`
	NativeOnly       bool   `koanf:"native_only"`
}

func defaults() map[string]any {
	return map[string]any{
		"addr":               "127.0.0.1:4199",
		"data_dir":           "",
		"auth_secret":        "",
		"max_workers":        5,
		"default_team_name":  "fleet",
		"server_url":         "",
		"auto_restart":       true,
		"use_worktrees":      false,
		"worktree_base_dir":  "",
		"inject_mail":        true,
		"default_spawn_mode": "process",
		"native_only":        false,
	}
}

// Load builds the configuration. path names an optional YAML file; an
// empty path skips file loading, and a missing file at the default
// location is not an error.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(defaults(), "."), nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
				return nil, fmt.Errorf("load config file %s: %w", path, err)
			}
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("stat config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider("FLEET_", ".", func(s string) string {
		return strings.ToLower(strings.TrimPrefix(s, "FLEET_"))
	}), nil); err != nil {
		return nil, fmt.Errorf("load env: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.ServerURL == "" {
		cfg.ServerURL = "http://" + cfg.Addr
	}
	if cfg.MaxWorkers < 1 {
		return nil, fmt.Errorf("max_workers must be at least 1, got %d", cfg.MaxWorkers)
	}
	switch cfg.DefaultSpawnMode {
	case "process", "tmux", "native":
	default:
		return nil, fmt.Errorf("unknown default_spawn_mode %q", cfg.DefaultSpawnMode)
	}

	return &cfg, nil
}
