// Package config loads and watches the daemon's YAML configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/AndrisJefimovs/cal-sync/internal/feed"
)

// Feed points at the row source polled each cycle.
type Feed struct {
	URL      string `yaml:"url"`
	Token    string `yaml:"token"`
	SourceID string `yaml:"source_id"`
	Range    string `yaml:"range"`
}

// Config is the daemon's on-disk configuration. Secrets live here too, so
// the file is written with owner-only permissions.
type Config struct {
	Listen                string       `yaml:"listen"`
	Timezone              string       `yaml:"timezone"`
	PollCron              string       `yaml:"poll"`
	StoreDSN              string       `yaml:"store_dsn"`
	AuthSecret            string       `yaml:"auth_secret"`
	DispatchWorkers       int          `yaml:"dispatch_workers"`
	BackendTimeoutSeconds int          `yaml:"backend_timeout_seconds"`
	Feed                  Feed         `yaml:"feed"`
	Mapping               feed.Mapping `yaml:"mapping"`
}

func DefaultConfig() Config {
	return Config{
		Listen:                ":8080",
		Timezone:              "UTC",
		PollCron:              "*/5 * * * *",
		StoreDSN:              "calsync-state.json",
		DispatchWorkers:       4,
		BackendTimeoutSeconds: 30,
		Mapping:               feed.DefaultMapping(),
	}
}

// Normalize fills gaps left by a sparse file with the defaults.
func (c *Config) Normalize() {
	defaults := DefaultConfig()
	if c.Listen == "" {
		c.Listen = defaults.Listen
	}
	if c.Timezone == "" {
		c.Timezone = defaults.Timezone
	}
	if c.PollCron == "" {
		c.PollCron = defaults.PollCron
	}
	if c.StoreDSN == "" {
		c.StoreDSN = defaults.StoreDSN
	}
	if c.DispatchWorkers <= 0 {
		c.DispatchWorkers = defaults.DispatchWorkers
	}
	if c.BackendTimeoutSeconds <= 0 {
		c.BackendTimeoutSeconds = defaults.BackendTimeoutSeconds
	}
	if (c.Mapping == feed.Mapping{}) {
		c.Mapping = defaults.Mapping
	}
}

// Location resolves the configured IANA timezone.
func (c Config) Location() (*time.Location, error) {
	if c.Timezone == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, fmt.Errorf("bad timezone %q: %w", c.Timezone, err)
	}
	return loc, nil
}

func (c Config) BackendTimeout() time.Duration {
	return time.Duration(c.BackendTimeoutSeconds) * time.Second
}

// Load reads path, writing the defaults there first if it does not exist
// yet so a fresh install leaves an editable file behind.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		cfg := DefaultConfig()
		if saveErr := Save(path, cfg); saveErr != nil {
			return Config{}, saveErr
		}
		return cfg, nil
	}
	if err != nil {
		return Config{}, err
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	cfg.Normalize()
	if _, err := cfg.Location(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Save writes cfg atomically with owner-only permissions.
func Save(path string, cfg Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	dir := filepath.Dir(path)
	if dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
