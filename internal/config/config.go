// Package config loads the daemon configuration file. Everything has a
// working default so a bare `nebd` starts with in-memory storage.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	yaml "gopkg.in/yaml.v3"

	"github.com/nebflow/engine/internal/run"
)

var ErrConfigInvalid = errors.New("config is invalid")

// Server holds the HTTP listener settings.
type Server struct {
	ListenAddr string `yaml:"listen_addr"`
}

// Storage selects the checkpoint store. An empty DatabaseURL means the
// in-memory store, which does not survive a restart.
type Storage struct {
	DatabaseURL string `yaml:"database_url"`
}

// Events configures the optional Redis status mirror. Empty means disabled.
type Events struct {
	RedisURL string `yaml:"redis_url"`
}

// Backend tunes submission to the external scheduler.
type Backend struct {
	// SubmitRate limits job submissions per second. Zero disables the
	// limit.
	SubmitRate  float64 `yaml:"submit_rate"`
	SubmitBurst int     `yaml:"submit_burst"`
}

// Config is the daemon configuration: ambient services plus the run defaults
// applied when a start request leaves an option unset.
type Config struct {
	Server   Server     `yaml:"server"`
	Storage  Storage    `yaml:"storage"`
	Events   Events     `yaml:"events"`
	Backend  Backend    `yaml:"backend"`
	LogLevel string     `yaml:"log_level"`
	Defaults run.Config `yaml:"run_defaults"`
}

// Default returns the configuration a missing file resolves to.
func Default() Config {
	return Config{
		Server:   Server{ListenAddr: ":8080"},
		LogLevel: "info",
		Defaults: run.DefaultConfig(),
	}
}

// Load reads the YAML file at path. A missing file is not an error; the
// defaults apply.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return &cfg, nil
	}

	buf, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &cfg, nil
		}
		return nil, err
	}

	if err := yaml.Unmarshal(buf, &cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfigInvalid, err)
	}
	if err := cfg.Verify(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Verify rejects configurations the daemon cannot start with.
func (c *Config) Verify() error {
	if c.Server.ListenAddr == "" {
		return fmt.Errorf("%w: server.listen_addr is empty", ErrConfigInvalid)
	}
	if _, err := parseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("%w: %v", ErrConfigInvalid, err)
	}
	if err := c.Defaults.Validate(); err != nil {
		return fmt.Errorf("%w: run_defaults: %v", ErrConfigInvalid, err)
	}
	if c.Backend.SubmitRate < 0 {
		return fmt.Errorf("%w: backend.submit_rate must not be negative", ErrConfigInvalid)
	}
	return nil
}

// SlogLevel maps the configured log level name onto slog.
func (c *Config) SlogLevel() slog.Level {
	lvl, err := parseLevel(c.LogLevel)
	if err != nil {
		return slog.LevelInfo
	}
	return lvl
}

func parseLevel(name string) (slog.Level, error) {
	switch strings.ToLower(name) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("unknown log level %q", name)
	}
}
