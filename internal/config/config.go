// Package config содержит логику чтения конфигурации банковского леджера.
package config

import (
	"errors"
	"flag"
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

const (
	defaultRunAddress  = "localhost:8080"
	defaultNotifyTopic = "ledger.transactions"
	defaultStrategy    = "atomic"
	defaultMaxAttempts = 5
	defaultCacheTTL    = 30 * time.Second
)

// Config содержит параметры конфигурации банковского леджера.
type Config struct {
	RunAddress  string `env:"RUN_ADDRESS"`
	DatabaseURI string `env:"DATABASE_URI"`
	// RedisAddress пуст, если кеш аналитики отключён.
	RedisAddress string `env:"REDIS_ADDRESS"`
	// KafkaBrokers пуст, если уведомления только пишутся в журнал.
	KafkaBrokers     []string      `env:"KAFKA_BROKERS" envSeparator:","`
	NotifyTopic      string        `env:"NOTIFY_TOPIC"`
	AuthSecret       string        `env:"AUTH_SECRET"`
	LedgerStrategy   string        `env:"LEDGER_STRATEGY"`
	ApplyMaxAttempts int           `env:"APPLY_MAX_ATTEMPTS"`
	CacheTTL         time.Duration `env:"CACHE_TTL"`
	AdminLogin       string        `env:"ADMIN_LOGIN"`
	AdminPassword    string        `env:"ADMIN_PASSWORD"`
}

// Parse считывает конфигурацию из флагов командной строки и переменных окружения.
// Переменные окружения имеют приоритет над флагами.
func Parse() (*Config, error) {
	cfg := &Config{}

	var brokers string
	flag.StringVar(&cfg.RunAddress, "a", defaultRunAddress, "address and port for HTTP server")
	flag.StringVar(&cfg.DatabaseURI, "d", "", "database URI, empty for in-memory storage")
	flag.StringVar(&cfg.RedisAddress, "r", "", "redis address for analytics cache")
	flag.StringVar(&brokers, "k", "", "comma separated kafka brokers")
	flag.StringVar(&cfg.NotifyTopic, "t", defaultNotifyTopic, "kafka topic for transaction notifications")
	flag.StringVar(&cfg.AuthSecret, "s", "", "secret for signing auth cookies")
	flag.StringVar(&cfg.LedgerStrategy, "l", defaultStrategy, "balance update strategy: atomic or optimistic")
	flag.IntVar(&cfg.ApplyMaxAttempts, "m", defaultMaxAttempts, "max conditional write attempts per transaction")
	flag.DurationVar(&cfg.CacheTTL, "c", defaultCacheTTL, "analytics cache ttl")

	flag.Parse()

	cfg.KafkaBrokers = splitList(brokers)

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	if cfg.RunAddress == "" {
		cfg.RunAddress = defaultRunAddress
	}
	if cfg.NotifyTopic == "" {
		cfg.NotifyTopic = defaultNotifyTopic
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.LedgerStrategy {
	case "atomic", "optimistic":
	default:
		return fmt.Errorf("unknown ledger strategy %q", c.LedgerStrategy)
	}
	if c.ApplyMaxAttempts <= 0 {
		return errors.New("apply max attempts must be positive")
	}
	if c.CacheTTL < 0 {
		return errors.New("cache ttl must not be negative")
	}
	if (c.AdminLogin == "") != (c.AdminPassword == "") {
		return errors.New("ADMIN_LOGIN and ADMIN_PASSWORD must be set together")
	}
	return nil
}

func splitList(s string) []string {
	var res []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			res = append(res, part)
		}
	}
	return res
}
