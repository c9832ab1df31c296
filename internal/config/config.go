// Package config loads the engine's JSON configuration file over
// hardcoded defaults, with environment variables layered on top. Grounded on
// fyrsmithlabs-contextd's internal/config loader, adapted from koanf's
// YAML+rawbytes provider stack to JSON+file, since this engine's config
// surface is JSON-native.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// ServerSpec is one upstream MCP server entry in the config file.
type ServerSpec struct {
	Name    string            `koanf:"name"`
	URL     string            `koanf:"url"`
	Command string            `koanf:"command"`
	Args    []string          `koanf:"args"`
	Env     []string          `koanf:"env"`
	Auth    map[string]string `koanf:"auth"`
}

// Config is the engine's full runtime configuration.
type Config struct {
	Host       string        `koanf:"host"`
	Port       int           `koanf:"port"`
	Stdio      bool          `koanf:"stdio"`
	SessionDir string        `koanf:"session_dir"`
	LogLevel   string        `koanf:"log_level"`
	LogFormat  string        `koanf:"log_format"`
	Timeout    time.Duration `koanf:"execute_timeout"`
	ConnectDeadline time.Duration `koanf:"connect_deadline"`
	MCPServers []ServerSpec  `koanf:"mcp_servers"`
}

// defaults returns the hardcoded baseline every layer overrides.
func defaults() map[string]any {
	return map[string]any{
		"host":             "127.0.0.1",
		"port":             8642,
		"stdio":            false,
		"session_dir":      "",
		"log_level":        "info",
		"log_format":       "json",
		"execute_timeout":  "30s",
		"connect_deadline": "30s",
	}
}

// Load reads the config file at path (if non-empty and present), applies
// CODEMODE_-prefixed environment overrides, and falls back to defaults()
// for anything still unset. A missing or malformed file at an explicitly
// given path is an error; an empty path simply skips the file layer.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(defaults(), "."), nil); err != nil {
		return nil, fmt.Errorf("config: loading defaults: %w", err)
	}

	if path != "" {
		if err := k.Load(file.Provider(path), json.Parser()); err != nil {
			return nil, fmt.Errorf("config: loading %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider("CODEMODE_", ".", func(s string) string {
		trimmed := strings.TrimPrefix(s, "CODEMODE_")
		// Keys are flat, so CODEMODE_LOG_LEVEL maps to log_level.
		return strings.ToLower(trimmed)
	}), nil); err != nil {
		return nil, fmt.Errorf("config: loading environment: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshaling: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects a configuration the engine cannot run with.
func (c *Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("config: port %d is out of range", c.Port)
	}
	if c.LogLevel == "" {
		return fmt.Errorf("config: log_level must not be empty")
	}
	for _, s := range c.MCPServers {
		if s.Name == "" {
			return fmt.Errorf("config: mcp_servers entry missing name")
		}
		if s.URL == "" && s.Command == "" {
			return fmt.Errorf("config: mcp server %q needs either url or command", s.Name)
		}
	}
	return nil
}
