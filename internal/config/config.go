// Package config loads the process configuration: a YAML file overlaid
// with SESSIONJOBS_* environment variables (optionally read from a .env
// file).
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/ChuLiYu/sessionjobs/internal/jobmanager"
	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment variable read by Load.
const EnvPrefix = "SESSIONJOBS_"

// Config is the complete process configuration.
type Config struct {
	Client jobmanager.Config `yaml:"client" envPrefix:"CLIENT_"`
	Server jobmanager.Config `yaml:"server" envPrefix:"SERVER_"`

	Tunnel struct {
		Address   string `yaml:"address" env:"ADDRESS"`
		SessionID string `yaml:"session_id" env:"SESSION_ID"`
		Principal string `yaml:"principal" env:"PRINCIPAL"`
	} `yaml:"tunnel" envPrefix:"TUNNEL_"`

	Metrics struct {
		Enabled bool   `yaml:"enabled" env:"ENABLED"`
		Address string `yaml:"address" env:"ADDRESS"`
	} `yaml:"metrics" envPrefix:"METRICS_"`

	Notify struct {
		Enabled bool          `yaml:"enabled" env:"ENABLED"`
		Address string        `yaml:"address" env:"ADDRESS"`
		Path    string        `yaml:"path" env:"PATH"`
		Refresh time.Duration `yaml:"refresh" env:"REFRESH"`
	} `yaml:"notify" envPrefix:"NOTIFY_"`

	Lookup struct {
		DSN string `yaml:"dsn" env:"DSN"`
	} `yaml:"lookup" envPrefix:"LOOKUP_"`

	Log struct {
		Level  string `yaml:"level" env:"LEVEL"`
		Format string `yaml:"format" env:"FORMAT"`
	} `yaml:"log" envPrefix:"LOG_"`
}

// Default returns the built-in configuration.
func Default() *Config {
	cfg := &Config{
		Client: jobmanager.DefaultConfig(),
		Server: jobmanager.DefaultConfig(),
	}
	cfg.Client.Workers = 2
	cfg.Server.Retention = time.Minute

	cfg.Tunnel.Address = "localhost:50051"
	cfg.Metrics.Address = ":9090"
	cfg.Notify.Address = ":8080"
	cfg.Notify.Path = "/ws"
	cfg.Notify.Refresh = time.Second
	cfg.Lookup.DSN = "file:lookup.db?_busy_timeout=5000"
	cfg.Log.Level = "info"
	cfg.Log.Format = "text"
	return cfg
}

// Load reads path on top of Default and applies the environment. An empty
// path skips the file. A .env file in the working directory is loaded into
// the environment first if present.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config YAML: %w", err)
		}
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}
	if err := env.ParseWithOptions(cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return nil, fmt.Errorf("failed to parse environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks value ranges.
func (c *Config) Validate() error {
	var errs []error
	domains := []struct {
		name string
		cfg  jobmanager.Config
	}{{"client", c.Client}, {"server", c.Server}}
	for _, dom := range domains {
		name, d := dom.name, dom.cfg
		if d.Workers < 1 {
			errs = append(errs, fmt.Errorf("%s.workers must be at least 1", name))
		}
		if d.QueueCapacity < 0 {
			errs = append(errs, fmt.Errorf("%s.queue_capacity must not be negative", name))
		}
		if d.Retention < 0 || d.ShutdownTimeout < 0 {
			errs = append(errs, fmt.Errorf("%s durations must not be negative", name))
		}
	}
	switch strings.ToLower(c.Log.Format) {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format must be text or json, got %q", c.Log.Format))
	}
	if c.Notify.Enabled && !strings.HasPrefix(c.Notify.Path, "/") {
		errs = append(errs, fmt.Errorf("notify.path must start with /"))
	}
	return errors.Join(errs...)
}
