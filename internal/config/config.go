// Package config loads runtime settings from the environment, optionally
// seeded from a .env file.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"

	"github.com/Shivanand-hulikatti/halloween-slots/internal/database"
)

const (
	BackendPostgres = "postgres"
	BackendMemory   = "memory"
)

type Config struct {
	Port    string
	Backend string
	DB      database.Config

	RedisAddr     string
	RedisPassword string

	PollInterval      time.Duration
	PaymentTimeout    time.Duration
	ReconcileInterval time.Duration
	OpTimeout         time.Duration
	LedgerMaxRetries  int

	EventYear      int
	Location       *time.Location
	PricePerPerson int64

	LogLevel  string
	LogFormat string
}

// Load reads .env when present and then the process environment.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	loc, err := time.LoadLocation(getEnv("EVENT_TIMEZONE", "Asia/Bangkok"))
	if err != nil {
		return nil, fmt.Errorf("EVENT_TIMEZONE: %w", err)
	}

	cfg := &Config{
		Port:    getEnv("PORT", "8080"),
		Backend: getEnv("STORE_BACKEND", BackendPostgres),
		DB: database.Config{
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnv("DB_PORT", "5432"),
			User:     getEnv("DB_USER", "postgres"),
			Password: getEnv("DB_PASSWORD", "postgres"),
			DBName:   getEnv("DB_NAME", "halloween_slots"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
		},
		RedisAddr:     getEnv("REDIS_ADDR", ""),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		Location:      loc,
		LogLevel:      getEnv("LOG_LEVEL", "info"),
		LogFormat:     getEnv("LOG_FORMAT", "json"),
	}

	durations := []struct {
		key      string
		fallback time.Duration
		dst      *time.Duration
	}{
		{"POLL_INTERVAL", 30 * time.Second, &cfg.PollInterval},
		{"PAYMENT_TIMEOUT", 15 * time.Minute, &cfg.PaymentTimeout},
		{"RECONCILE_INTERVAL", time.Minute, &cfg.ReconcileInterval},
		{"OP_TIMEOUT", 5 * time.Second, &cfg.OpTimeout},
	}
	for _, d := range durations {
		if *d.dst, err = getDuration(d.key, d.fallback); err != nil {
			return nil, err
		}
	}

	maxConns, err := getInt("DB_MAX_CONNS", 20)
	if err != nil {
		return nil, err
	}
	cfg.DB.MaxConns = int32(maxConns)

	if cfg.LedgerMaxRetries, err = getInt("LEDGER_MAX_RETRIES", 5); err != nil {
		return nil, err
	}
	if cfg.EventYear, err = getInt("EVENT_YEAR", time.Now().In(loc).Year()); err != nil {
		return nil, err
	}
	price, err := getInt("PRICE_PER_PERSON", 50000)
	if err != nil {
		return nil, err
	}
	cfg.PricePerPerson = int64(price)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	switch {
	case c.Backend != BackendPostgres && c.Backend != BackendMemory:
		return fmt.Errorf("STORE_BACKEND must be %q or %q, got %q", BackendPostgres, BackendMemory, c.Backend)
	case c.PollInterval <= 0:
		return errors.New("POLL_INTERVAL must be positive")
	case c.PaymentTimeout <= 0:
		return errors.New("PAYMENT_TIMEOUT must be positive")
	case c.ReconcileInterval <= 0:
		return errors.New("RECONCILE_INTERVAL must be positive")
	case c.OpTimeout <= 0:
		return errors.New("OP_TIMEOUT must be positive")
	case c.LedgerMaxRetries < 1:
		return errors.New("LEDGER_MAX_RETRIES must be at least 1")
	case c.PricePerPerson < 0:
		return errors.New("PRICE_PER_PERSON must not be negative")
	}
	return nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return n, nil
}

func getDuration(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return d, nil
}
