/*
Package config loads server configuration from the environment.

PURPOSE:
  One place that knows every knob. A .env file in the working directory is
  loaded first (missing is fine); real environment variables win over it.

VARIABLES:
  PORT            HTTP server port (default: 8080)
  DB_PATH         SQLite database path (default: sessions.db, ":memory:" ok)
  PAYROLL_TZ      IANA payroll timezone (default: Australia/Sydney)
  SWEEP_INTERVAL  Completion sweep interval, Go duration (default: 1m)
  ENV             "production" or "development"; selects the zap config

SEE ALSO:
  - cmd/server/main.go: The only consumer
*/
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/tutorly/session-engine/engine"
)

type Config struct {
	Port          int
	DBPath        string
	PayrollZone   string
	SweepInterval time.Duration
	Env           string
}

// Load reads .env (if present) and the environment.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:          8080,
		DBPath:        "sessions.db",
		PayrollZone:   engine.DefaultPayrollZone,
		SweepInterval: 1 * time.Minute,
		Env:           "development",
	}

	if v := os.Getenv("PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("invalid PORT %q: %w", v, err)
		}
		cfg.Port = port
	}
	if v := os.Getenv("DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("PAYROLL_TZ"); v != "" {
		if _, err := engine.LoadZone(v); err != nil {
			return nil, fmt.Errorf("invalid PAYROLL_TZ %q: %w", v, err)
		}
		cfg.PayrollZone = v
	}
	if v := os.Getenv("SWEEP_INTERVAL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			return nil, fmt.Errorf("invalid SWEEP_INTERVAL %q", v)
		}
		cfg.SweepInterval = d
	}
	if v := os.Getenv("ENV"); v != "" {
		cfg.Env = v
	}

	return cfg, nil
}

// NewLogger builds the zap logger matching the environment.
func (c *Config) NewLogger() (*zap.Logger, error) {
	if c.Env == "production" {
		return zap.NewProduction()
	}
	return zap.NewDevelopment()
}
