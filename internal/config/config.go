// Package config reads service settings from the environment.
package config

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/jogardn/restaurant-orders/internal/inventory"
	"github.com/jogardn/restaurant-orders/internal/notify"
	"github.com/jogardn/restaurant-orders/internal/store"
	"github.com/sirupsen/logrus"
)

const (
	BackendPostgres = "postgres"
	BackendMemory   = "memory"
)

type Config struct {
	HTTPPort     string
	StoreBackend string
	Postgres     store.PostgresConfig

	// Empty KafkaBrokers or RedisAddr disables that integration.
	KafkaBrokers string
	DLQGroupID   string
	RedisAddr    string

	// SMTP.Host empty logs emails instead of sending them.
	SMTP notify.SMTPConfig
	Mail notify.Config

	ZeroStockPolicy inventory.ZeroStockPolicy
	JWTSecret       string
	ResetTokenTTL   time.Duration
	AllowedOrigins  []string
	LogLevel        logrus.Level
}

// Load reads the environment. Every malformed variable is reported.
func Load() (*Config, error) {
	var errs *multierror.Error
	p := parser{errs: &errs}

	cfg := &Config{
		HTTPPort:     getEnv("HTTP_PORT", "8080"),
		StoreBackend: getEnv("STORE_BACKEND", BackendPostgres),
		Postgres: store.PostgresConfig{
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnv("DB_PORT", "5432"),
			User:     getEnv("DB_USER", "orderservice"),
			Password: getEnv("DB_PASSWORD", "orderservice"),
			DBName:   getEnv("DB_NAME", "orders"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
		},
		KafkaBrokers: getEnv("KAFKA_BROKERS", ""),
		DLQGroupID:   getEnv("DLQ_GROUP_ID", "notification-dlq-monitor"),
		RedisAddr:    getEnv("REDIS_ADDR", ""),
		SMTP: notify.SMTPConfig{
			Host:     getEnv("SMTP_HOST", ""),
			Port:     p.int("SMTP_PORT", 587),
			Username: getEnv("SMTP_USERNAME", ""),
			Password: getEnv("SMTP_PASSWORD", ""),
			From:     getEnv("SMTP_FROM", "orders@localhost"),
			Timeout:  p.duration("SMTP_TIMEOUT", notify.DefaultSendTimeout),
		},
		Mail: notify.Config{
			Workers:           p.int("MAIL_WORKERS", notify.DefaultWorkers),
			QueueSize:         p.int("MAIL_QUEUE_SIZE", notify.DefaultQueueSize),
			MaxRetries:        p.int("MAIL_MAX_RETRIES", notify.MaxRetries),
			InitialRetryDelay: p.duration("MAIL_RETRY_DELAY", notify.InitialRetryDelay),
			MaxRetryDelay:     p.duration("MAIL_MAX_RETRY_DELAY", notify.MaxRetryDelay),
			SendTimeout:       p.duration("SMTP_TIMEOUT", notify.DefaultSendTimeout),
		},
		JWTSecret:      getEnv("JWT_SECRET", ""),
		ResetTokenTTL:  p.duration("RESET_TOKEN_TTL", time.Hour),
		AllowedOrigins: getEnvList("ALLOWED_ORIGINS"),
	}

	switch cfg.StoreBackend {
	case BackendPostgres, BackendMemory:
	default:
		errs = multierror.Append(errs, fmt.Errorf("STORE_BACKEND: unknown backend %q", cfg.StoreBackend))
	}

	policy, err := inventory.ParsePolicy(getEnv("ZERO_STOCK_POLICY", ""))
	if err != nil {
		errs = multierror.Append(errs, fmt.Errorf("ZERO_STOCK_POLICY: %w", err))
	}
	cfg.ZeroStockPolicy = policy

	level, err := logrus.ParseLevel(getEnv("LOG_LEVEL", "info"))
	if err != nil {
		errs = multierror.Append(errs, fmt.Errorf("LOG_LEVEL: %w", err))
		level = logrus.InfoLevel
	}
	cfg.LogLevel = level

	if cfg.JWTSecret == "" {
		errs = multierror.Append(errs, fmt.Errorf("JWT_SECRET must be set"))
	}

	if err := errs.ErrorOrNil(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// OpenStore opens the configured storage backend.
func (c *Config) OpenStore(ctx context.Context, logger *logrus.Logger) (store.Store, error) {
	if c.StoreBackend == BackendMemory {
		logger.Warn("Using in-memory store, data is lost on restart")
		return store.NewMemory(), nil
	}
	return store.OpenPostgres(ctx, c.Postgres, logger)
}

// NewLogger returns the JSON logger every binary uses.
func NewLogger(level logrus.Level) *logrus.Logger {
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	logger.SetLevel(level)
	return logger
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvList(key string) []string {
	var out []string
	for _, v := range strings.Split(os.Getenv(key), ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

type parser struct {
	errs **multierror.Error
}

func (p parser) int(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		*p.errs = multierror.Append(*p.errs, fmt.Errorf("%s: %q is not an integer", key, value))
		return defaultValue
	}
	return n
}

func (p parser) duration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		*p.errs = multierror.Append(*p.errs, fmt.Errorf("%s: %q is not a duration", key, value))
		return defaultValue
	}
	return d
}
