// Package config loads and manages the tempnum CLI configuration file stored
// at ~/.tempnum/config.yaml.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"

	"github.com/wondertwin-ai/tempnum/internal/timer"
)

// DefaultConfigDir is the directory under the user's home for CLI state.
const DefaultConfigDir = ".tempnum"

// DefaultConfigFile is the config file name within the config directory.
const DefaultConfigFile = "config.yaml"

// DefaultAPIURL points at a locally running twin-numbers.
const DefaultAPIURL = "http://localhost:12150"

// Environment overrides.
const (
	EnvAPIURL   = "TEMPNUM_API_URL"
	EnvToken    = "TEMPNUM_TOKEN"
	EnvConfig   = "TEMPNUM_CONFIG"
	EnvLogLevel = "LOG_LEVEL"
)

// Countdowns overrides the per-service countdown windows, in seconds.
type Countdowns struct {
	Default  int            `yaml:"default,omitempty" validate:"gte=0"`
	Services map[string]int `yaml:"services,omitempty" validate:"dive,gt=0"`
}

// Config represents the contents of ~/.tempnum/config.yaml.
type Config struct {
	APIURL         string        `yaml:"api_url" validate:"required,url"`
	Token          string        `yaml:"token,omitempty"`
	PollSchedule   string        `yaml:"poll_schedule,omitempty"`
	RequestTimeout time.Duration `yaml:"request_timeout,omitempty" validate:"gte=0"`
	LogoutDelay    time.Duration `yaml:"logout_delay,omitempty" validate:"gte=0"`
	LogLevel       string        `yaml:"log_level,omitempty" validate:"omitempty,oneof=trace debug info warn warning error"`
	Countdowns     Countdowns    `yaml:"countdowns,omitempty"`

	path string

	// tokenMu guards Token once the config is shared with a running client.
	tokenMu sync.RWMutex
}

// Path returns the config file location: $TEMPNUM_CONFIG, or
// ~/.tempnum/config.yaml.
func Path() (string, error) {
	if p := os.Getenv(EnvConfig); p != "" {
		return p, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("determining home directory: %w", err)
	}
	return filepath.Join(home, DefaultConfigDir, DefaultConfigFile), nil
}

// LoadDotEnv loads .env from the working directory if present. Variables that
// are already set win.
func LoadDotEnv() error {
	if _, err := os.Stat(".env"); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err := godotenv.Load(); err != nil {
		return fmt.Errorf("loading .env: %w", err)
	}
	return nil
}

// Load reads the config file, applies environment overrides and validates
// the result.
func Load() (*Config, error) {
	path, err := Path()
	if err != nil {
		return nil, err
	}
	cfg, err := LoadFrom(path)
	if err != nil {
		return nil, err
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFrom reads the config at path without environment overrides.
// Returns a default config if the file doesn't exist.
func LoadFrom(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg := defaultConfig()
			cfg.path = path
			return cfg, nil
		}
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	cfg := defaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if cfg.APIURL == "" {
		cfg.APIURL = DefaultAPIURL
	}
	cfg.path = path
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv(EnvAPIURL); v != "" {
		c.APIURL = v
	}
	if v := os.Getenv(EnvToken); v != "" {
		c.Token = v
	}
	if v := os.Getenv(EnvLogLevel); v != "" {
		c.LogLevel = v
	}
}

// Validate checks field constraints and that the poll schedule parses.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if _, err := c.Schedule(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// Schedule returns the poll cadence, the 10 second default when unset.
func (c *Config) Schedule() (cron.Schedule, error) {
	if c.PollSchedule == "" {
		return timer.DefaultPollSchedule(), nil
	}
	return timer.ParseSchedule(c.PollSchedule)
}

// Durations returns the countdown table with this config's overrides applied.
func (c *Config) Durations() timer.Durations {
	return timer.DefaultDurations().With(c.Countdowns.Default, c.Countdowns.Services)
}

// File returns the path the config was loaded from.
func (c *Config) File() string {
	return c.path
}

// Save writes the config back to the file it was loaded from.
func (c *Config) Save() error {
	if c.path == "" {
		return errors.New("config has no file path")
	}
	if err := os.MkdirAll(filepath.Dir(c.path), 0o755); err != nil {
		return fmt.Errorf("creating config dir: %w", err)
	}

	c.tokenMu.RLock()
	data, err := yaml.Marshal(c)
	c.tokenMu.RUnlock()
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}
	// The file can hold a bearer token.
	return os.WriteFile(c.path, data, 0o600)
}

// CurrentToken returns the bearer token. Safe to call while ClearToken runs.
func (c *Config) CurrentToken() string {
	c.tokenMu.RLock()
	defer c.tokenMu.RUnlock()
	return c.Token
}

// ClearToken forgets the stored token. The file is re-read first so
// environment overrides are never persisted.
func (c *Config) ClearToken() error {
	c.tokenMu.Lock()
	c.Token = ""
	c.tokenMu.Unlock()
	onDisk, err := LoadFrom(c.path)
	if err != nil {
		return err
	}
	if onDisk.Token == "" {
		return nil
	}
	onDisk.Token = ""
	return onDisk.Save()
}

func defaultConfig() *Config {
	return &Config{APIURL: DefaultAPIURL}
}
