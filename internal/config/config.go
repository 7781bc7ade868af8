package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
)

const (
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
)

type Config struct {
	Port            string        `yaml:"port"             env:"PORT"             env-default:"8080"`
	DatabaseURL     string        `yaml:"db_dsn"           env:"DB_DSN"`
	DBMaxConns      int32         `yaml:"db_max_conns"     env:"DB_MAX_CONNS"     env-default:"10"`
	StoreDriver     string        `yaml:"store_driver"     env:"STORE_DRIVER"     env-default:"postgres"`
	LogLevel        string        `yaml:"log_level"        env:"LOG_LEVEL"        env-default:"info"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT" env-default:"10s"`

	RateLimitPerMinute       int `yaml:"rate_limit_per_min"         env:"RATE_LIMIT_PER_MIN"         env-default:"120"`
	RateLimitBurst           int `yaml:"rate_limit_burst"           env:"RATE_LIMIT_BURST"           env-default:"30"`
	CallerRateLimitPerMinute int `yaml:"caller_rate_limit_per_min"  env:"CALLER_RATE_LIMIT_PER_MIN"  env-default:"240"`
	CallerRateLimitBurst     int `yaml:"caller_rate_limit_burst"    env:"CALLER_RATE_LIMIT_BURST"    env-default:"60"`

	AnnounceSkipThreshold int `yaml:"announce_skip_threshold" env:"ANNOUNCE_SKIP_THRESHOLD" env-default:"3"`
	QueueIDMaxAttempts    int `yaml:"queue_id_max_attempts"   env:"QUEUE_ID_MAX_ATTEMPTS"   env-default:"5"`
	BusBuffer             int `yaml:"bus_buffer"              env:"BUS_BUFFER"              env-default:"16"`
}

// Load reads CONFIG_PATH when set, then overlays the environment. Without a
// file the environment and defaults apply.
func Load() (Config, error) {
	var cfg Config
	if path := os.Getenv("CONFIG_PATH"); path != "" {
		if err := cleanenv.ReadConfig(path, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: read %s: %w", path, err)
		}
	} else if err := cleanenv.ReadEnv(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: read env: %w", err)
	}
	cfg.StoreDriver = strings.ToLower(strings.TrimSpace(cfg.StoreDriver))
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("config: validate: %w", err)
	}
	return cfg, nil
}

func (c Config) Validate() error {
	var errs []error
	switch c.StoreDriver {
	case DriverPostgres:
		if c.DatabaseURL == "" {
			errs = append(errs, errors.New("DB_DSN is required for the postgres store"))
		}
	case DriverMemory:
	default:
		errs = append(errs, fmt.Errorf("STORE_DRIVER must be %q or %q, got %q", DriverPostgres, DriverMemory, c.StoreDriver))
	}
	if c.AnnounceSkipThreshold < 1 {
		errs = append(errs, errors.New("ANNOUNCE_SKIP_THRESHOLD must be at least 1"))
	}
	if c.QueueIDMaxAttempts < 1 {
		errs = append(errs, errors.New("QUEUE_ID_MAX_ATTEMPTS must be at least 1"))
	}
	if c.BusBuffer < 1 {
		errs = append(errs, errors.New("BUS_BUFFER must be at least 1"))
	}
	return errors.Join(errs...)
}

// SlogLevel maps LOG_LEVEL onto a slog level, defaulting to info.
func (c Config) SlogLevel() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
