// Package config содержит логику чтения конфигурации сервиса вознаграждений.
package config

import (
	"flag"
	"fmt"

	"github.com/caarlos0/env/v11"
)

// DefaultMonthlyEarnCap — месячный лимит начисляемых баллов по умолчанию.
const DefaultMonthlyEarnCap = 5000

// Config содержит параметры конфигурации сервиса вознаграждений.
type Config struct {
	RunAddress            string `env:"RUN_ADDRESS"`
	DatabaseURI           string `env:"DATABASE_URI"`
	ReferralSystemAddress string `env:"REFERRAL_SYSTEM_ADDRESS"`
	MonthlyEarnCap        int64  `env:"MONTHLY_EARN_CAP"`
	AuthSecret            string `env:"AUTH_SECRET"`
}

// Parse считывает конфигурацию из флагов командной строки и переменных окружения.
func Parse() (*Config, error) {
	cfg := &Config{}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	envRunAddress := cfg.RunAddress
	envDatabaseURI := cfg.DatabaseURI
	envReferralAddress := cfg.ReferralSystemAddress
	envMonthlyCap := cfg.MonthlyEarnCap
	envAuthSecret := cfg.AuthSecret

	flag.StringVar(&cfg.RunAddress, "a", "localhost:8080", "address and port for HTTP server")
	flag.StringVar(&cfg.DatabaseURI, "d", "", "database URI")
	flag.StringVar(&cfg.ReferralSystemAddress, "r", "", "referral system address")
	flag.Int64Var(&cfg.MonthlyEarnCap, "c", DefaultMonthlyEarnCap, "monthly earn cap in points")
	flag.StringVar(&cfg.AuthSecret, "s", "", "secret key for auth cookies")

	flag.Parse()

	if envRunAddress != "" {
		cfg.RunAddress = envRunAddress
	}
	if envDatabaseURI != "" {
		cfg.DatabaseURI = envDatabaseURI
	}
	if envReferralAddress != "" {
		cfg.ReferralSystemAddress = envReferralAddress
	}
	if envMonthlyCap > 0 {
		cfg.MonthlyEarnCap = envMonthlyCap
	}
	if envAuthSecret != "" {
		cfg.AuthSecret = envAuthSecret
	}

	if cfg.RunAddress == "" {
		cfg.RunAddress = "localhost:8080"
	}
	if cfg.MonthlyEarnCap <= 0 {
		cfg.MonthlyEarnCap = DefaultMonthlyEarnCap
	}

	return cfg, nil
}
