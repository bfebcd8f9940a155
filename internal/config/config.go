// Package config содержит логику чтения конфигурации сервиса prescelto.
package config

import (
	"flag"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

const (
	defaultRunAddress      = "localhost:8080"
	defaultReferralTimeout = 5 * time.Second
)

// Config содержит параметры конфигурации сервиса prescelto.
type Config struct {
	RunAddress      string        `env:"RUN_ADDRESS"`
	DatabaseURI     string        `env:"DATABASE_URI"`
	AuthProviderURL string        `env:"AUTH_PROVIDER_URL"`
	AuthProviderKey string        `env:"AUTH_PROVIDER_KEY"`
	JWTSecret       string        `env:"JWT_SECRET"`
	ReferralTimeout time.Duration `env:"REFERRAL_TIMEOUT"`
}

// Parse считывает конфигурацию из флагов командной строки и переменных окружения.
// Переменные окружения имеют приоритет над флагами.
func Parse() (*Config, error) {
	fromEnv := Config{}
	if err := env.Parse(&fromEnv); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	cfg := &Config{}
	flag.StringVar(&cfg.RunAddress, "a", defaultRunAddress, "address and port for HTTP server")
	flag.StringVar(&cfg.DatabaseURI, "d", "", "database URI, in-memory storage when empty")
	flag.StringVar(&cfg.AuthProviderURL, "p", "", "external auth provider URL, local bcrypt storage when empty")
	flag.StringVar(&cfg.AuthProviderKey, "k", "", "external auth provider API key")
	flag.StringVar(&cfg.JWTSecret, "s", "", "secret for signing session tokens")
	flag.DurationVar(&cfg.ReferralTimeout, "t", defaultReferralTimeout, "time limit for crediting a referral")

	flag.Parse()

	override(&cfg.RunAddress, fromEnv.RunAddress)
	override(&cfg.DatabaseURI, fromEnv.DatabaseURI)
	override(&cfg.AuthProviderURL, fromEnv.AuthProviderURL)
	override(&cfg.AuthProviderKey, fromEnv.AuthProviderKey)
	override(&cfg.JWTSecret, fromEnv.JWTSecret)
	if fromEnv.ReferralTimeout > 0 {
		cfg.ReferralTimeout = fromEnv.ReferralTimeout
	}

	if cfg.RunAddress == "" {
		cfg.RunAddress = defaultRunAddress
	}
	if cfg.ReferralTimeout <= 0 {
		cfg.ReferralTimeout = defaultReferralTimeout
	}

	return cfg, nil
}

func override(dst *string, envValue string) {
	if envValue != "" {
		*dst = envValue
	}
}
