package config

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all runtime configuration for the VoiceBridge server.
// Precedence: CLI flags > env vars > defaults.
type Config struct {
	DataDir  string
	HTTPPort int

	AgentAPIBaseURL string // conversational-AI provider API base URL
	AgentAPIKey     string // provider API key, required

	HandshakeTimeout time.Duration // bound on signed-URL fetch + AI socket dial
	SendTimeout      time.Duration // per-message write deadline on either leg
	CloseGrace       time.Duration // time allowed for the second leg to close after the first
	SendQueueSize    int           // per-leg outbound frame queue capacity

	PostgresDSN string // optional; empty selects the SQLite store in DataDir

	UpgradeRate  float64 // per-IP media-stream upgrades per second
	UpgradeBurst int     // per-IP upgrade burst

	LogLevel  string
	LogFormat string // log output format: "text" or "json"
}

// defaults
const (
	defaultDataDir          = "./data"
	defaultHTTPPort         = 8080
	defaultAgentAPIBaseURL  = "https://api.elevenlabs.io"
	defaultHandshakeTimeout = 10 * time.Second
	defaultSendTimeout      = 2 * time.Second
	defaultCloseGrace       = 5 * time.Second
	defaultSendQueueSize    = 64
	defaultUpgradeRate      = 5.0
	defaultUpgradeBurst     = 10
	defaultLogLevel         = "info"
	defaultLogFormat        = "text"
)

// envPrefix is the prefix for all VoiceBridge environment variables.
const envPrefix = "VOICEBRIDGE_"

// Load parses configuration from CLI flags and environment variables.
// Precedence: CLI flags > env vars > defaults.
func Load() (*Config, error) {
	cfg := &Config{}

	fs := flag.NewFlagSet("voicebridge", flag.ContinueOnError)

	fs.StringVar(&cfg.DataDir, "data-dir", defaultDataDir, "data directory for the call record database")
	fs.IntVar(&cfg.HTTPPort, "http-port", defaultHTTPPort, "HTTP server listen port")
	fs.StringVar(&cfg.AgentAPIBaseURL, "agent-api-url", defaultAgentAPIBaseURL, "conversational-AI provider API base URL")
	fs.StringVar(&cfg.AgentAPIKey, "agent-api-key", "", "conversational-AI provider API key")
	fs.DurationVar(&cfg.HandshakeTimeout, "handshake-timeout", defaultHandshakeTimeout, "timeout for the AI session handshake (signed URL fetch + dial)")
	fs.DurationVar(&cfg.SendTimeout, "send-timeout", defaultSendTimeout, "write deadline for a single outbound frame on either leg")
	fs.DurationVar(&cfg.CloseGrace, "close-grace", defaultCloseGrace, "grace period for closing the second leg after the first leg ends")
	fs.IntVar(&cfg.SendQueueSize, "send-queue-size", defaultSendQueueSize, "per-leg outbound frame queue capacity before frames are dropped")
	fs.StringVar(&cfg.PostgresDSN, "postgres-dsn", "", "PostgreSQL DSN for call records (uses SQLite in data-dir if empty)")
	fs.Float64Var(&cfg.UpgradeRate, "upgrade-rate", defaultUpgradeRate, "per-IP media-stream upgrade rate limit (requests/second)")
	fs.IntVar(&cfg.UpgradeBurst, "upgrade-burst", defaultUpgradeBurst, "per-IP media-stream upgrade burst")
	fs.StringVar(&cfg.LogLevel, "log-level", defaultLogLevel, "log level (debug, info, warn, error)")
	fs.StringVar(&cfg.LogFormat, "log-format", defaultLogFormat, "log output format (text, json)")

	if err := fs.Parse(os.Args[1:]); err != nil {
		return nil, fmt.Errorf("parsing flags: %w", err)
	}

	// Apply env var overrides for any flags not explicitly set on the command line.
	// CLI flags take precedence over env vars.
	applyEnvOverrides(fs, cfg)

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// applyEnvOverrides checks environment variables for any flag that was not
// explicitly provided on the command line. This preserves the precedence:
// CLI flags > env vars > defaults.
func applyEnvOverrides(fs *flag.FlagSet, cfg *Config) {
	// Track which flags were explicitly set via CLI.
	set := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) {
		set[f.Name] = true
	})

	// Map of flag name to env var name.
	envMap := map[string]string{
		"data-dir":          envPrefix + "DATA_DIR",
		"http-port":         envPrefix + "HTTP_PORT",
		"agent-api-url":     envPrefix + "AGENT_API_URL",
		"agent-api-key":     envPrefix + "AGENT_API_KEY",
		"handshake-timeout": envPrefix + "HANDSHAKE_TIMEOUT",
		"send-timeout":      envPrefix + "SEND_TIMEOUT",
		"close-grace":       envPrefix + "CLOSE_GRACE",
		"send-queue-size":   envPrefix + "SEND_QUEUE_SIZE",
		"postgres-dsn":      envPrefix + "POSTGRES_DSN",
		"upgrade-rate":      envPrefix + "UPGRADE_RATE",
		"upgrade-burst":     envPrefix + "UPGRADE_BURST",
		"log-level":         envPrefix + "LOG_LEVEL",
		"log-format":        envPrefix + "LOG_FORMAT",
	}

	for flagName, envVar := range envMap {
		if set[flagName] {
			continue
		}
		val, ok := os.LookupEnv(envVar)
		if !ok || val == "" {
			continue
		}
		switch flagName {
		case "data-dir":
			cfg.DataDir = val
		case "http-port":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.HTTPPort = v
			}
		case "agent-api-url":
			cfg.AgentAPIBaseURL = val
		case "agent-api-key":
			cfg.AgentAPIKey = val
		case "handshake-timeout":
			if v, err := time.ParseDuration(val); err == nil {
				cfg.HandshakeTimeout = v
			}
		case "send-timeout":
			if v, err := time.ParseDuration(val); err == nil {
				cfg.SendTimeout = v
			}
		case "close-grace":
			if v, err := time.ParseDuration(val); err == nil {
				cfg.CloseGrace = v
			}
		case "send-queue-size":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.SendQueueSize = v
			}
		case "postgres-dsn":
			cfg.PostgresDSN = val
		case "upgrade-rate":
			if v, err := strconv.ParseFloat(val, 64); err == nil {
				cfg.UpgradeRate = v
			}
		case "upgrade-burst":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.UpgradeBurst = v
			}
		case "log-level":
			cfg.LogLevel = val
		case "log-format":
			cfg.LogFormat = val
		}
	}
}

// validate checks that the config values are sane.
func (c *Config) validate() error {
	if c.HTTPPort < 1 || c.HTTPPort > 65535 {
		return fmt.Errorf("http-port must be between 1 and 65535, got %d", c.HTTPPort)
	}
	if c.AgentAPIBaseURL == "" {
		return fmt.Errorf("agent-api-url must not be empty")
	}
	if c.HandshakeTimeout <= 0 {
		return fmt.Errorf("handshake-timeout must be positive, got %s", c.HandshakeTimeout)
	}
	if c.SendTimeout <= 0 {
		return fmt.Errorf("send-timeout must be positive, got %s", c.SendTimeout)
	}
	if c.CloseGrace <= 0 {
		return fmt.Errorf("close-grace must be positive, got %s", c.CloseGrace)
	}
	if c.SendQueueSize < 1 {
		return fmt.Errorf("send-queue-size must be at least 1, got %d", c.SendQueueSize)
	}
	if c.UpgradeRate <= 0 {
		return fmt.Errorf("upgrade-rate must be positive, got %g", c.UpgradeRate)
	}
	if c.UpgradeBurst < 1 {
		return fmt.Errorf("upgrade-burst must be at least 1, got %d", c.UpgradeBurst)
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.LogLevel)] {
		return fmt.Errorf("log-level must be one of debug, info, warn, error; got %q", c.LogLevel)
	}
	c.LogLevel = strings.ToLower(c.LogLevel)

	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[strings.ToLower(c.LogFormat)] {
		return fmt.Errorf("log-format must be one of text, json; got %q", c.LogFormat)
	}
	c.LogFormat = strings.ToLower(c.LogFormat)

	return nil
}

// SlogLevel maps the configured log level string to a slog.Level.
func (c *Config) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
