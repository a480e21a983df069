// Package config handles application configuration from environment variables.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config holds the application configuration.
type Config struct {
	DatabasePath       string        `env:"DATABASE_PATH" envDefault:"./data/relay.db"`
	LogLevel           string        `env:"LOG_LEVEL" envDefault:"info"`
	Timezone           string        `env:"TIMEZONE" envDefault:"Local"`
	RuleReloadInterval time.Duration `env:"RULE_RELOAD_INTERVAL" envDefault:"3s"`
	SendDelayMin       time.Duration `env:"SEND_DELAY_MIN" envDefault:"2s"`
	SendDelayMax       time.Duration `env:"SEND_DELAY_MAX" envDefault:"5s"`
	ScratchChat        string        `env:"TELEGRAM_SCRATCH_CHAT,notEmpty"`
	TelegramEndpoint   string        `env:"TELEGRAM_API_ENDPOINT" envDefault:"https://api.telegram.org/bot%s/%s"`
	FeedPollInterval   time.Duration `env:"FEED_POLL_INTERVAL" envDefault:"5m"`
	AffiliateAPIURL    string        `env:"AFFILIATE_API_URL" envDefault:"https://open-api.affiliate.shopee.com.br/graphql"`
	AffiliateSubIDs    []string      `env:"AFFILIATE_SUB_IDS" envSeparator:","`
	AffiliateRate      int           `env:"AFFILIATE_RATE_PER_SEC" envDefault:"5"`

	location *time.Location
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg, err := env.ParseAs[Config]()
	if err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.RuleReloadInterval <= 0 {
		return errors.New("RULE_RELOAD_INTERVAL must be positive")
	}
	if c.FeedPollInterval <= 0 {
		return errors.New("FEED_POLL_INTERVAL must be positive")
	}
	if c.SendDelayMin < 0 || c.SendDelayMax < 0 {
		return errors.New("SEND_DELAY_MIN and SEND_DELAY_MAX must not be negative")
	}
	if c.SendDelayMin > c.SendDelayMax {
		return fmt.Errorf("SEND_DELAY_MIN (%s) exceeds SEND_DELAY_MAX (%s)", c.SendDelayMin, c.SendDelayMax)
	}
	if c.AffiliateRate <= 0 {
		return errors.New("AFFILIATE_RATE_PER_SEC must be positive")
	}

	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return fmt.Errorf("invalid TIMEZONE %q: %w", c.Timezone, err)
	}
	c.location = loc
	return nil
}

// Location returns the time zone schedules are evaluated in.
func (c *Config) Location() *time.Location {
	if c.location == nil {
		return time.Local
	}
	return c.location
}
