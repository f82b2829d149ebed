// Package config loads and validates runtime configuration at startup.
// Fail-fast: if a required variable is missing or malformed, Load returns an
// error and the process exits.
//
// Values come from an optional YAML file named by CONFIG_FILE, then from the
// environment. Environment variables always win over the file.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all runtime configuration for the ingest service.
type Config struct {
	Port        string `yaml:"port"`
	GRPCPort    string `yaml:"grpc_port"`
	DatabaseURL string `yaml:"database_url"`
	RedisURL    string `yaml:"redis_url"` // empty disables run status
	PGMaxConns  int    `yaml:"pg_max_conns"`

	PNCP PNCPConfig `yaml:"pncp"`

	StoreTimeout time.Duration `yaml:"store_timeout"`

	ScheduleCron string `yaml:"schedule_cron"` // standard 5-field cron
	ScheduleTZ   string `yaml:"schedule_tz"`   // IANA name, empty = local
	RunOnStart   bool   `yaml:"run_on_start"`

	RequireUserHeader bool   `yaml:"require_user_header"`
	LogLevel          string `yaml:"log_level"`
}

// PNCPConfig configures the registry client.
type PNCPConfig struct {
	BaseURL      string        `yaml:"base_url"`
	PageSize     int           `yaml:"page_size"`
	MaxPages     int           `yaml:"max_pages"`
	FetchTimeout time.Duration `yaml:"fetch_timeout"`
}

func defaults() Config {
	return Config{
		Port:       "8083",
		GRPCPort:   "9093",
		PGMaxConns: 4,
		PNCP: PNCPConfig{
			BaseURL:      "https://pncp.gov.br/api/consulta/v1/contratacoes",
			PageSize:     20,
			MaxPages:     1,
			FetchTimeout: 15 * time.Second,
		},
		StoreTimeout: 30 * time.Second,
		ScheduleCron: "0 8 * * *",
		LogLevel:     "info",
	}
}

// Load reads CONFIG_FILE (if set) and the environment, and returns a
// validated Config.
func Load() (*Config, error) {
	cfg := defaults()

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read CONFIG_FILE: %w", err)
		}
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return nil, fmt.Errorf("parse CONFIG_FILE %s: %w", path, err)
		}
	}

	setString(&cfg.Port, "INGEST_PORT")
	setString(&cfg.GRPCPort, "GRPC_PORT")
	setString(&cfg.DatabaseURL, "DATABASE_URL")
	setString(&cfg.RedisURL, "REDIS_URL")
	setString(&cfg.PNCP.BaseURL, "PNCP_BASE_URL")
	setString(&cfg.ScheduleCron, "SCHEDULE_CRON")
	setString(&cfg.ScheduleTZ, "SCHEDULE_TZ")
	setString(&cfg.LogLevel, "LOG_LEVEL")

	for _, f := range []func() error{
		func() error { return setPositiveInt(&cfg.PGMaxConns, "PG_MAX_CONNS") },
		func() error { return setPositiveInt(&cfg.PNCP.PageSize, "PNCP_PAGE_SIZE") },
		func() error { return setPositiveInt(&cfg.PNCP.MaxPages, "PNCP_MAX_PAGES") },
		func() error { return setDuration(&cfg.PNCP.FetchTimeout, "FETCH_TIMEOUT") },
		func() error { return setDuration(&cfg.StoreTimeout, "STORE_TIMEOUT") },
		func() error { return setBool(&cfg.RunOnStart, "RUN_ON_START") },
		func() error { return setBool(&cfg.RequireUserHeader, "REQUIRE_USER_HEADER") },
	} {
		if err := f(); err != nil {
			return nil, err
		}
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	if cfg.ScheduleTZ != "" {
		if _, err := time.LoadLocation(cfg.ScheduleTZ); err != nil {
			return nil, fmt.Errorf("SCHEDULE_TZ %q: %w", cfg.ScheduleTZ, err)
		}
	}
	if _, err := cfg.SlogLevel(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Location returns the schedule time zone, falling back to time.Local.
func (c *Config) Location() *time.Location {
	if c.ScheduleTZ == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(c.ScheduleTZ)
	if err != nil {
		return time.Local
	}
	return loc
}

// SlogLevel parses LogLevel (debug, info, warn, error).
func (c *Config) SlogLevel() (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.TrimSpace(c.LogLevel))); err != nil {
		return 0, fmt.Errorf("LOG_LEVEL %q: %w", c.LogLevel, err)
	}
	return lvl, nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setPositiveInt(dst *int, key string) error {
	s := os.Getenv(key)
	if s == "" {
		return nil
	}
	v, err := strconv.Atoi(s)
	if err != nil || v < 1 {
		return fmt.Errorf("%s must be a positive integer, got %q", key, s)
	}
	*dst = v
	return nil
}

func setDuration(dst *time.Duration, key string) error {
	s := os.Getenv(key)
	if s == "" {
		return nil
	}
	v, err := time.ParseDuration(s)
	if err != nil || v <= 0 {
		return fmt.Errorf("%s must be a positive duration, got %q", key, s)
	}
	*dst = v
	return nil
}

func setBool(dst *bool, key string) error {
	s := os.Getenv(key)
	if s == "" {
		return nil
	}
	v, err := strconv.ParseBool(s)
	if err != nil {
		return fmt.Errorf("%s must be a boolean, got %q", key, s)
	}
	*dst = v
	return nil
}
