// Package config loads p4review settings from YAML and the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Config is the complete p4review configuration.
type Config struct {
	P4     P4Config     `yaml:"p4"`
	Store  StoreConfig  `yaml:"store"`
	Server ServerConfig `yaml:"server"`
	Log    LogConfig    `yaml:"log"`
	Review ReviewConfig `yaml:"review"`
}

// P4Config describes the Perforce connection and commit workspaces.
type P4Config struct {
	Binary       string        `yaml:"binary" validate:"required"`
	Port         string        `yaml:"port" validate:"required"`
	User         string        `yaml:"user" validate:"required"`
	Password     string        `yaml:"password"`
	Charset      string        `yaml:"charset"`
	ClientPrefix string        `yaml:"client_prefix" validate:"required"`
	PoolSize     int           `yaml:"pool_size" validate:"gte=1,lte=64"`
	WorkspaceDir string        `yaml:"workspace_dir" validate:"required"`
	Timeout      time.Duration `yaml:"timeout" validate:"gte=0"`
}

// StoreConfig selects the record store.
type StoreConfig struct {
	Driver string `yaml:"driver" validate:"oneof=memory sqlite postgres badger"`
	// DSN is a file path for sqlite and badger, a connection string for postgres.
	DSN string `yaml:"dsn" validate:"required_unless=Driver memory"`
}

type ServerConfig struct {
	Addr string `yaml:"addr" validate:"required"`
}

type LogConfig struct {
	Level string `yaml:"level" validate:"oneof=debug info warn error"`
	JSON  bool   `yaml:"json"`
}

// ReviewConfig holds engine behavior switches.
type ReviewConfig struct {
	OptimisticLocking    bool `yaml:"optimistic_locking"`
	KeepApprovalOnModify bool `yaml:"keep_approval_on_modify"`
	UpgradeConcurrency   int  `yaml:"upgrade_concurrency" validate:"gte=1"`
}

// Default returns the configuration used when no file is present.
func Default() Config {
	dataDir := defaultDataDir()
	return Config{
		P4: P4Config{
			Binary:       "p4",
			Port:         "perforce:1666",
			User:         "swarm",
			ClientPrefix: "p4review",
			PoolSize:     2,
			WorkspaceDir: filepath.Join(dataDir, "workspaces"),
			Timeout:      2 * time.Minute,
		},
		Store:  StoreConfig{Driver: "sqlite", DSN: filepath.Join(dataDir, "reviews.db")},
		Server: ServerConfig{Addr: "localhost:6638"},
		Log:    LogConfig{Level: "info"},
		Review: ReviewConfig{UpgradeConcurrency: 4},
	}
}

func defaultDataDir() string {
	if dir := os.Getenv("XDG_DATA_HOME"); dir != "" {
		return filepath.Join(dir, "p4review")
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".local", "share", "p4review")
	}
	return "p4review-data"
}

// DefaultPath returns $XDG_CONFIG_HOME/p4review/config.yaml.
func DefaultPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "config.yaml"
	}
	return filepath.Join(dir, "p4review", "config.yaml")
}

// Load reads path over the defaults, applies environment overrides and
// validates the result. A missing file is not an error unless explicit.
func Load(path string, explicit bool) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
	case errors.Is(err, os.ErrNotExist) && !explicit:
	default:
		return cfg, fmt.Errorf("read config: %w", err)
	}

	applyEnv(&cfg, os.Getenv)
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config, getenv func(string) string) {
	set := func(key string, dst *string) {
		if v := getenv(key); v != "" {
			*dst = v
		}
	}
	set("P4PORT", &cfg.P4.Port)
	set("P4USER", &cfg.P4.User)
	set("P4PASSWD", &cfg.P4.Password)
	set("P4CHARSET", &cfg.P4.Charset)
	set("P4CLIENT_PREFIX", &cfg.P4.ClientPrefix)
	set("P4REVIEW_STORE_DRIVER", &cfg.Store.Driver)
	set("P4REVIEW_STORE_DSN", &cfg.Store.DSN)
	set("P4REVIEW_ADDR", &cfg.Server.Addr)
	set("P4REVIEW_LOG_LEVEL", &cfg.Log.Level)
	if v := getenv("P4REVIEW_POOL_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.P4.PoolSize = n
		}
	}
	if v := getenv("P4REVIEW_LOG_JSON"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Log.JSON = b
		}
	}
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks field constraints.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}
