package config

import "time"

const (
	DBMaxOpenConns    = 10
	DBMaxIdleConns    = 5
	DBConnMaxLifetime = 5 * time.Minute
	DBPingTimeout     = 5 * time.Second
)

const RedisPingTimeout = 2 * time.Second

// ServerRequestTimeout bounds every exchange call except the event stream.
const (
	ServerRequestTimeout  = 10 * time.Second
	ServerReadTimeout     = 15 * time.Second
	ServerIdleTimeout     = 120 * time.Second
	ServerShutdownTimeout = 30 * time.Second
)

const (
	CleanupJobInterval = 30 * time.Second
	CleanupPassTimeout = 20 * time.Second
)

// Device-side defaults for the exchange orchestrator.
const (
	ClientPollInterval           = time.Second
	ClientInitialTimeout         = 20 * time.Second
	ClientExtendedTimeout        = 60 * time.Second
	ClientHitCooldown            = 500 * time.Millisecond
	ClientMaxConsecutiveFailures = 5
)
