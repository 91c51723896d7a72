// Package config loads broker/client configuration from environment
// variables (with an optional .env file) and validates it, the same
// layering the donor codebase uses for its WebSocket relay: env vars win
// over .env file values, which win over built-in defaults. CLI flags
// (see cmd/broker) are layered on top of this by the caller, overriding
// whichever of these fields the operator passed explicitly.
package config

import (
	"fmt"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

// Config holds broker process configuration. Most fields have a
// flag-surface counterpart in cmd/broker, the feed/auth settings
// (SPEC_FULL.md §6) included; LogFilePath, ResourceSampleIntervalS and
// the ConnRateLimit* fields are set from the environment only.
type Config struct {
	Port          uint16 `env:"BROKER_PORT" envDefault:"8888"`
	ReapFreqMS    int    `env:"BROKER_REAP_FREQ_MS" envDefault:"500"`
	LogLevel      int    `env:"BROKER_LOG_LEVEL" envDefault:"2"`
	LogToFile     bool   `env:"BROKER_LOG_TO_FILE" envDefault:"false"`
	LogFilePath   string `env:"BROKER_LOG_FILE" envDefault:"broker.log"`
	Console       bool   `env:"BROKER_CONSOLE" envDefault:"false"`

	// Authentication (SPEC_FULL.md §6).
	NoAuth    bool   `env:"BROKER_NO_AUTH" envDefault:"false"`
	JWTSecret string `env:"BROKER_JWT_SECRET" envDefault:""`

	// External feed bridges (SPEC_FULL.md §4.9), all optional.
	KafkaBrokers string `env:"BROKER_KAFKA_BROKERS" envDefault:""`
	KafkaTopics  string `env:"BROKER_KAFKA_TOPICS" envDefault:""`
	NATSURL      string `env:"BROKER_NATS_URL" envDefault:""`
	NATSSubjects string `env:"BROKER_NATS_SUBJECTS" envDefault:""`

	// Prometheus/health HTTP listener, off when empty.
	MetricsAddr string `env:"BROKER_METRICS_ADDR" envDefault:""`

	// Resource guard sampling interval.
	ResourceSampleIntervalS int `env:"BROKER_RESOURCE_SAMPLE_INTERVAL_S" envDefault:"15"`

	// Connection admission rate limiting (SPEC_FULL.md §5), token-bucket
	// per accepting IP and system-wide.
	ConnRateLimitPerSec   float64 `env:"BROKER_CONN_RATE_LIMIT_PER_SEC" envDefault:"50"`
	ConnRateLimitBurst    int     `env:"BROKER_CONN_RATE_LIMIT_BURST" envDefault:"100"`
	ConnRateLimitIPPerSec float64 `env:"BROKER_CONN_RATE_LIMIT_IP_PER_SEC" envDefault:"5"`
	ConnRateLimitIPBurst  int     `env:"BROKER_CONN_RATE_LIMIT_IP_BURST" envDefault:"10"`
}

// Load reads .env (if present) then the process environment into a
// Config, applying defaults. It does not validate: the caller layers
// CLI flags on top first and then calls Validate.
func Load(logger *zerolog.Logger) (*Config, error) {
	if err := godotenv.Load(); err != nil {
		if logger != nil {
			logger.Debug().Msg("no .env file found, using process environment only")
		}
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("config: parse environment: %w", err)
	}
	return cfg, nil
}

// Validate checks field ranges and cross-field constraints. Called after
// flags have been layered on top of the env-sourced config, so it is
// the single source of truth for "is this config runnable".
func (c *Config) Validate() error {
	if c.Port == 0 {
		return fmt.Errorf("port must be nonzero")
	}
	if c.ReapFreqMS <= 0 {
		return fmt.Errorf("reap frequency must be > 0ms, got %d", c.ReapFreqMS)
	}
	if c.LogLevel < 0 {
		return fmt.Errorf("loglevel must be >= 0, got %d", c.LogLevel)
	}
	if !c.NoAuth && c.JWTSecret == "" {
		return fmt.Errorf("jwt secret required unless --no-auth is set")
	}
	if (c.KafkaBrokers == "") != (c.KafkaTopics == "") {
		return fmt.Errorf("kafka-brokers and kafka-topics must both be set or both empty")
	}
	if (c.NATSURL == "") != (c.NATSSubjects == "") {
		return fmt.Errorf("nats-url and nats-subjects must both be set or both empty")
	}
	if c.ConnRateLimitPerSec <= 0 || c.ConnRateLimitBurst <= 0 {
		return fmt.Errorf("conn rate limit (global) must be > 0")
	}
	if c.ConnRateLimitIPPerSec <= 0 || c.ConnRateLimitIPBurst <= 0 {
		return fmt.Errorf("conn rate limit (per-ip) must be > 0")
	}
	return nil
}
