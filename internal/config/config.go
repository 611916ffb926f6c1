// Package config parses and validates all application configuration from
// environment variables using caarlos0/env/v11.
//
// Call [Load] once at startup; pass the resulting [Config] to subcommands.
// The process exits if any field tagged "required" is missing.
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
	// DBQueryExecMode: "simple_protocol" (PgBouncer-compatible) or "extended_protocol".
	DBQueryExecMode string `env:"DB_QUERY_EXEC_MODE" envDefault:"simple_protocol"`

	// ── Process ──────────────────────────────────────────────────────────────────
	AppEnv                 string `env:"APP_ENV"                  envDefault:"development"`
	ShutdownTimeoutSeconds int    `env:"SHUTDOWN_TIMEOUT_SECONDS" envDefault:"60"`

	// ── Worker runner ────────────────────────────────────────────────────────────
	// Queues is the comma-separated list of queue names this process services.
	// Empty means all registered queues.
	Queues             string        `env:"WORKER_QUEUES"`
	PollInterval       time.Duration `env:"WORKER_POLL_INTERVAL"  envDefault:"2s"`
	ErrorBackoff       time.Duration `env:"WORKER_ERROR_BACKOFF"  envDefault:"5s"`
	SweepCronSpec      string        `env:"WEARABLE_SWEEP_CRON"   envDefault:"@every 1h"`
	SweepStaggerWindow time.Duration `env:"WEARABLE_SWEEP_WINDOW" envDefault:"30m"`

	// ── Insight generation ───────────────────────────────────────────────────────
	// The provider pipeline is tried in the order listed; first success wins.
	InsightPrimaryURL    string  `env:"INSIGHT_PRIMARY_URL"`
	InsightPrimaryKey    string  `env:"INSIGHT_PRIMARY_API_KEY"`
	InsightPrimaryModel  string  `env:"INSIGHT_PRIMARY_MODEL"   envDefault:"gpt-4o-mini"`
	InsightFallbackURL   string  `env:"INSIGHT_FALLBACK_URL"`
	InsightFallbackKey   string  `env:"INSIGHT_FALLBACK_API_KEY"`
	InsightFallbackModel string  `env:"INSIGHT_FALLBACK_MODEL"  envDefault:"llama-3.1-70b"`
	InsightCallsPerSec   float64 `env:"INSIGHT_CALLS_PER_SEC"   envDefault:"1"`
	InsightDailyLimit    int     `env:"INSIGHT_DAILY_LIMIT"     envDefault:"5"`

	// ── Email — SMTP ─────────────────────────────────────────────────────────────
	SMTPHost     string `env:"SMTP_HOST" envDefault:"localhost"`
	SMTPPort     int    `env:"SMTP_PORT" envDefault:"1025"`
	SMTPFrom     string `env:"SMTP_FROM" envDefault:"wellspring@localhost"`
	SMTPUsername string `env:"SMTP_USERNAME"`
	SMTPPassword string `env:"SMTP_PASSWORD"`
	SMTPTLS      bool   `env:"SMTP_TLS"  envDefault:"false"`

	// ── Dead-letter alerting ─────────────────────────────────────────────────────
	// Empty OpsMailbox downgrades dead-letter alerts to log-only.
	OpsMailbox string `env:"OPS_MAILBOX"`

	// ── Lab-report ingestion ─────────────────────────────────────────────────────
	// 64-char hex key for at-rest artifact re-encryption (chacha20poly1305).
	LabArtifactKey string `env:"LAB_ARTIFACT_KEY"`
	LabArtifactDir string `env:"LAB_ARTIFACT_DIR" envDefault:"./artifacts"`

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
