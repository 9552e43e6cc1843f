package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/rs/zerolog/log"
)

const (
	ProfileBackendPostgres = "postgres"
	ProfileBackendDynamoDB = "dynamodb"
)

type Config struct {
	Port                    int      `env:"PORT" envDefault:"8080"`
	RedisURL                string   `env:"REDIS_URL"`
	DatabaseURL             string   `env:"DATABASE_URL"`
	ProfileBackend          string   `env:"PROFILE_BACKEND" envDefault:"postgres"`
	ProfileTable            string   `env:"PROFILE_TABLE" envDefault:"ExchangeProfiles"`
	AWSRegion               string   `env:"AWS_REGION" envDefault:"us-east-1"`
	SessionTTLSeconds       int      `env:"SESSION_TTL_SECONDS" envDefault:"180"`
	MatchRetentionSeconds   int      `env:"MATCH_RETENTION_SECONDS" envDefault:"600"`
	HitRetentionSeconds     int      `env:"HIT_RETENTION_SECONDS" envDefault:"60"`
	MatchWindowMillis       int      `env:"MATCH_WINDOW_MS" envDefault:"1500"`
	HitMinMagnitude         float64  `env:"HIT_MIN_MAGNITUDE" envDefault:"1.5"`
	InitiateRateLimitPerMin int      `env:"INITIATE_RATE_LIMIT_PER_MIN" envDefault:"30"`
	CORSAllowedOrigins      []string `env:"CORS_ALLOWED_ORIGINS" envSeparator:"," envDefault:"*"`
	HSTSEnabled             bool     `env:"HSTS_ENABLED" envDefault:"false"`
	MetricsEnabled          bool     `env:"METRICS_ENABLED" envDefault:"true"`
	LogLevel                string   `env:"LOG_LEVEL" envDefault:"info"`
}

func (c *Config) SessionTTL() time.Duration {
	return time.Duration(c.SessionTTLSeconds) * time.Second
}

func (c *Config) MatchRetention() time.Duration {
	return time.Duration(c.MatchRetentionSeconds) * time.Second
}

func (c *Config) HitRetention() time.Duration {
	return time.Duration(c.HitRetentionSeconds) * time.Second
}

func (c *Config) MatchWindow() time.Duration {
	return time.Duration(c.MatchWindowMillis) * time.Millisecond
}

func (c *Config) Addr() string {
	return fmt.Sprintf(":%d", c.Port)
}

func (c *Config) Validate() error {
	switch c.ProfileBackend {
	case ProfileBackendPostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required when PROFILE_BACKEND=%s", ProfileBackendPostgres)
		}
	case ProfileBackendDynamoDB:
		if c.ProfileTable == "" {
			return fmt.Errorf("PROFILE_TABLE is required when PROFILE_BACKEND=%s", ProfileBackendDynamoDB)
		}
	default:
		return fmt.Errorf("unknown PROFILE_BACKEND %q", c.ProfileBackend)
	}

	if c.MatchWindowMillis <= 0 {
		return fmt.Errorf("MATCH_WINDOW_MS must be positive")
	}
	if c.HitMinMagnitude < 0 {
		return fmt.Errorf("HIT_MIN_MAGNITUDE must not be negative")
	}
	if c.SessionTTL() < ClientInitialTimeout+ClientExtendedTimeout {
		return fmt.Errorf("SESSION_TTL_SECONDS must cover the client timeout budget (%s)", ClientInitialTimeout+ClientExtendedTimeout)
	}
	if c.MatchRetention() < c.SessionTTL() {
		return fmt.Errorf("MATCH_RETENTION_SECONDS must not be shorter than SESSION_TTL_SECONDS")
	}
	if c.HitRetention() < 2*c.MatchWindow() {
		return fmt.Errorf("HIT_RETENTION_SECONDS must be at least twice MATCH_WINDOW_MS")
	}

	if c.RedisURL == "" {
		log.Warn().Msg("REDIS_URL is empty: using in-memory session store (single instance, dev only)")
	} else if strings.HasPrefix(c.RedisURL, "redis://") {
		log.Debug().Msg("REDIS_URL uses redis:// (not TLS)")
	}

	return nil
}

func Load() (*Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &cfg, nil
}
