// Package config parses and validates all application configuration from
// environment variables using caarlos0/env/v11.
//
// Call [Load] once at startup; pass the resulting [Config] to subcommands.
// Server exits if any field tagged "required" is missing.
package config

import (
	"time"

	"github.com/caarlos0/env/v11"
)

// Config holds all application configuration sourced from environment variables.
type Config struct {
	// ── Database ─────────────────────────────────────────────────────────────────
	DatabaseURL          string        `env:"DATABASE_URL,required"`
	DBMaxConns           int32         `env:"DB_MAX_CONNS"            envDefault:"25"`
	DBMaxConnIdleTime    time.Duration `env:"DB_MAX_CONN_IDLE_TIME"   envDefault:"5m"`
	DBStatementTimeoutMS int           `env:"DB_STATEMENT_TIMEOUT_MS" envDefault:"14000"`

	// ── Server ───────────────────────────────────────────────────────────────────
	ListenAddr             string `env:"LISTEN_ADDR"              envDefault:":8080"`
	AppEnv                 string `env:"APP_ENV"                  envDefault:"development"`
	ShutdownTimeoutSeconds int    `env:"SHUTDOWN_TIMEOUT_SECONDS" envDefault:"60"`

	// ── Job queue ────────────────────────────────────────────────────────────────
	// TriggerToken authenticates POST /api/v1/jobs/run and the jobs listing.
	TriggerToken   string        `env:"TRIGGER_TOKEN,required"`
	ClaimBatchSize int           `env:"CLAIM_BATCH_SIZE" envDefault:"100"`
	PollInterval   time.Duration `env:"POLL_INTERVAL"    envDefault:"5s"`
	// StaleThreshold is the heartbeat age at which a running job is considered
	// abandoned and returned to the available pool.
	StaleThreshold time.Duration `env:"STALE_THRESHOLD" envDefault:"5m"`

	// ── Keeper tests ─────────────────────────────────────────────────────────────
	KeeperResultsDelay  time.Duration `env:"KEEPER_RESULTS_DELAY"  envDefault:"24h"`
	KeeperReminderEvery time.Duration `env:"KEEPER_REMINDER_EVERY" envDefault:"72h"`
	CheckInTenureDays   int           `env:"CHECKIN_TENURE_DAYS"   envDefault:"30"`

	// ── Chat platform ────────────────────────────────────────────────────────────
	ChatBaseURL  string `env:"CHAT_BASE_URL"  envDefault:"https://slack.com/api"`
	ChatBotToken string `env:"CHAT_BOT_TOKEN"`

	// ── Rate limiting ────────────────────────────────────────────────────────────
	RateLimitEvictTTL time.Duration `env:"RATE_LIMIT_EVICT_TTL" envDefault:"15m"`

	// ── Logging ──────────────────────────────────────────────────────────────────
	LogLevel  string `env:"LOG_LEVEL"  envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`
}

// Load parses and returns Config from environment variables.
// Returns an error if any required field is missing.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// IsDevelopment reports whether the application is running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.AppEnv == "development"
}
