// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "json" or "text"

	// Database (optional; uses the in-memory session store if not set)
	DatabaseURL string

	// Hedera network settings
	Network     string // "mainnet", "testnet", "previewnet"
	OperatorID  string // optional payer for receipt queries
	OperatorKey string `json:"-"` // optional, excluded from serialization

	// Session lifecycle
	SessionTimeout time.Duration // default lifetime of a signing session
	SweepInterval  time.Duration // expiry sweep cadence
	GracePeriod    time.Duration // terminal sessions stay readable this long
	VerifyTimeout  time.Duration // soft deadline per signature verification

	// Transport limits
	MaxFrameBytes  int64         // max inbound WebSocket frame
	MsgRatePerSec  int           // per-connection inbound message rate
	MsgBurst       int           // per-connection burst allowance
	PingInterval   time.Duration // keepalive ping cadence
	SendQueueSize  int           // bounded outbound queue per subscription

	// Public exposure
	PublicURL     string // externally reachable base URL, if known
	TunnelCommand string // optional command that prints a public URL

	// HTTP server timeouts
	HTTPReadTimeout  time.Duration
	HTTPWriteTimeout time.Duration
	HTTPIdleTimeout  time.Duration

	// Security
	RateLimitRPM int // per-IP HTTP rate limit

	// Observability
	OTLPEndpoint string // OpenTelemetry collector endpoint, empty = disabled
}

// Defaults
const (
	DefaultPort      = "8089"
	DefaultEnv       = "development"
	DefaultLogLevel  = "info"
	DefaultLogFormat = "json"
	DefaultNetwork   = "testnet"

	DefaultSessionTimeout = time.Hour
	DefaultSweepInterval  = 60 * time.Second
	DefaultGracePeriod    = 5 * time.Minute
	DefaultVerifyTimeout  = 2 * time.Second

	DefaultMaxFrameBytes = 256 << 10 // 256 KiB
	DefaultMsgRatePerSec = 20
	DefaultMsgBurst      = 40
	DefaultPingInterval  = 30 * time.Second
	DefaultSendQueueSize = 64

	DefaultHTTPReadTimeout  = 10 * time.Second
	DefaultHTTPWriteTimeout = 30 * time.Second
	DefaultHTTPIdleTimeout  = 60 * time.Second
	DefaultRateLimit        = 120
)

// Load reads configuration from environment variables.
// It loads .env file if present (for local development).
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:      getEnv("PORT", DefaultPort),
		Env:       getEnv("ENV", DefaultEnv),
		LogLevel:  getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat: getEnv("LOG_FORMAT", DefaultLogFormat),

		DatabaseURL: os.Getenv("DATABASE_URL"),

		Network:     getEnv("HEDERA_NETWORK", DefaultNetwork),
		OperatorID:  os.Getenv("HEDERA_OPERATOR_ID"),
		OperatorKey: os.Getenv("HEDERA_OPERATOR_KEY"),

		SessionTimeout: getEnvDuration("SESSION_TIMEOUT", DefaultSessionTimeout),
		SweepInterval:  getEnvDuration("SWEEP_INTERVAL", DefaultSweepInterval),
		GracePeriod:    getEnvDuration("GRACE_PERIOD", DefaultGracePeriod),
		VerifyTimeout:  getEnvDuration("VERIFY_TIMEOUT", DefaultVerifyTimeout),

		MaxFrameBytes: getEnvInt64("MAX_FRAME_BYTES", DefaultMaxFrameBytes),
		MsgRatePerSec: int(getEnvInt64("MSG_RATE_PER_SEC", DefaultMsgRatePerSec)),
		MsgBurst:      int(getEnvInt64("MSG_BURST", DefaultMsgBurst)),
		PingInterval:  getEnvDuration("PING_INTERVAL", DefaultPingInterval),
		SendQueueSize: int(getEnvInt64("SEND_QUEUE_SIZE", DefaultSendQueueSize)),

		PublicURL:     os.Getenv("PUBLIC_URL"),
		TunnelCommand: os.Getenv("TUNNEL_COMMAND"),

		HTTPReadTimeout:  getEnvDuration("HTTP_READ_TIMEOUT", DefaultHTTPReadTimeout),
		HTTPWriteTimeout: getEnvDuration("HTTP_WRITE_TIMEOUT", DefaultHTTPWriteTimeout),
		HTTPIdleTimeout:  getEnvDuration("HTTP_IDLE_TIMEOUT", DefaultHTTPIdleTimeout),

		RateLimitRPM: int(getEnvInt64("RATE_LIMIT_RPM", DefaultRateLimit)),

		OTLPEndpoint: os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present and sane.
func (c *Config) Validate() error {
	switch c.Network {
	case "mainnet", "testnet", "previewnet":
	default:
		return fmt.Errorf("HEDERA_NETWORK must be mainnet, testnet, or previewnet, got %q", c.Network)
	}

	port, err := strconv.Atoi(c.Port)
	if err != nil || port < 1 || port > 65535 {
		return fmt.Errorf("PORT must be a number between 1 and 65535, got %q", c.Port)
	}

	if c.SessionTimeout < time.Minute {
		return fmt.Errorf("SESSION_TIMEOUT must be at least 1m, got %v", c.SessionTimeout)
	}
	if c.SweepInterval < time.Second {
		return fmt.Errorf("SWEEP_INTERVAL must be at least 1s, got %v", c.SweepInterval)
	}
	if c.GracePeriod < time.Second {
		return fmt.Errorf("GRACE_PERIOD must be at least 1s, got %v", c.GracePeriod)
	}
	if c.MaxFrameBytes < 1024 {
		return fmt.Errorf("MAX_FRAME_BYTES must be at least 1024, got %d", c.MaxFrameBytes)
	}
	if c.MsgRatePerSec < 1 {
		return fmt.Errorf("MSG_RATE_PER_SEC must be at least 1, got %d", c.MsgRatePerSec)
	}
	if c.MsgBurst < c.MsgRatePerSec {
		return fmt.Errorf("MSG_BURST (%d) must be >= MSG_RATE_PER_SEC (%d)", c.MsgBurst, c.MsgRatePerSec)
	}
	if c.SendQueueSize < 1 {
		return fmt.Errorf("SEND_QUEUE_SIZE must be at least 1, got %d", c.SendQueueSize)
	}
	if c.RateLimitRPM < 1 {
		return fmt.Errorf("RATE_LIMIT_RPM must be at least 1, got %d", c.RateLimitRPM)
	}
	// Operator credentials come as a pair or not at all.
	if (c.OperatorID == "") != (c.OperatorKey == "") {
		return fmt.Errorf("HEDERA_OPERATOR_ID and HEDERA_OPERATOR_KEY must be set together")
	}

	return nil
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
