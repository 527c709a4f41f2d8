package config

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
)

// Config holds all runtime configuration for SessionDriver.
// Precedence: CLI flags > env vars > defaults.
type Config struct {
	Host              string
	Port              int
	WebDriver         string
	Parameters        string
	InactivityTimeout int // seconds
	StartupTimeout    int // seconds
	MaxCreateRate     float64
	CreateBurst       int
	LogLevel          string
	LogFormat         string
}

// defaults
const (
	defaultHost              = "127.0.0.1"
	defaultPort              = 4444
	defaultInactivityTimeout = 43200
	defaultStartupTimeout    = 30
	defaultMaxCreateRate     = 5.0
	defaultCreateBurst       = 10
	defaultLogLevel          = "info"
	defaultLogFormat         = "text"
)

// envPrefix is the prefix for all SessionDriver environment variables.
const envPrefix = "SESSIONDRIVER_"

// Load parses configuration from CLI flags and environment variables.
// Precedence: CLI flags > env vars > defaults.
func Load() (*Config, error) {
	cfg := &Config{}

	fs := flag.NewFlagSet("sessiondriver", flag.ContinueOnError)

	fs.StringVar(&cfg.Host, "host", defaultHost, "listen address")
	fs.IntVar(&cfg.Port, "port", defaultPort, "listen port")
	fs.StringVar(&cfg.WebDriver, "webdriver", "", "path to the single-session WebDriver executable to spawn per session (required)")
	fs.StringVar(&cfg.Parameters, "parameters", "", "whitespace-separated extra args forwarded to each child, verbatim")
	fs.IntVar(&cfg.InactivityTimeout, "inactivity-timeout", defaultInactivityTimeout, "session idle TTL in seconds before the reaper terminates it")
	fs.IntVar(&cfg.StartupTimeout, "startup-timeout", defaultStartupTimeout, "per-child readiness deadline in seconds")
	fs.Float64Var(&cfg.MaxCreateRate, "max-create-rate", defaultMaxCreateRate, "maximum POST /session creations per second per remote IP; 0 disables the limiter")
	fs.IntVar(&cfg.CreateBurst, "create-burst", defaultCreateBurst, "burst size for the create-rate limiter")
	fs.StringVar(&cfg.LogLevel, "log-level", defaultLogLevel, "log level (debug, info, warn, error)")
	fs.StringVar(&cfg.LogFormat, "log-format", defaultLogFormat, "log output format (text, json)")

	if err := fs.Parse(os.Args[1:]); err != nil {
		return nil, fmt.Errorf("parsing flags: %w", err)
	}

	// Apply env var overrides for any flags not explicitly set on the command line.
	// CLI flags take precedence over env vars.
	applyEnvOverrides(fs, cfg)

	// A bare LOG variable (RUST_LOG-style) overrides everything but an
	// explicit --log-level flag, per spec.md §6.
	if !wasSet(fs, "log-level") {
		if lvl, ok := os.LookupEnv("LOG"); ok && lvl != "" {
			cfg.LogLevel = lvl
		}
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

func wasSet(fs *flag.FlagSet, name string) bool {
	set := false
	fs.Visit(func(f *flag.Flag) {
		if f.Name == name {
			set = true
		}
	})
	return set
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
		"host":               envPrefix + "HOST",
		"port":               envPrefix + "PORT",
		"webdriver":          envPrefix + "WEBDRIVER",
		"parameters":         envPrefix + "PARAMETERS",
		"inactivity-timeout": envPrefix + "INACTIVITY_TIMEOUT",
		"startup-timeout":    envPrefix + "STARTUP_TIMEOUT",
		"max-create-rate":    envPrefix + "MAX_CREATE_RATE",
		"create-burst":       envPrefix + "CREATE_BURST",
		"log-level":          envPrefix + "LOG_LEVEL",
		"log-format":         envPrefix + "LOG_FORMAT",
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
		case "host":
			cfg.Host = val
		case "port":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.Port = v
			}
		case "webdriver":
			cfg.WebDriver = val
		case "parameters":
			cfg.Parameters = val
		case "inactivity-timeout":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.InactivityTimeout = v
			}
		case "startup-timeout":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.StartupTimeout = v
			}
		case "max-create-rate":
			if v, err := strconv.ParseFloat(val, 64); err == nil {
				cfg.MaxCreateRate = v
			}
		case "create-burst":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.CreateBurst = v
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
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, got %d", c.Port)
	}
	if c.WebDriver == "" {
		return fmt.Errorf("webdriver executable path is required")
	}
	if c.InactivityTimeout < 1 {
		return fmt.Errorf("inactivity-timeout must be positive, got %d", c.InactivityTimeout)
	}
	if c.StartupTimeout < 1 {
		return fmt.Errorf("startup-timeout must be positive, got %d", c.StartupTimeout)
	}
	if c.MaxCreateRate < 0 {
		return fmt.Errorf("max-create-rate must not be negative, got %v", c.MaxCreateRate)
	}
	if c.CreateBurst < 1 {
		return fmt.Errorf("create-burst must be positive, got %d", c.CreateBurst)
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

// SplitParameters splits the configured extra args on whitespace, per
// spec's chosen no-quoting convention.
func (c *Config) SplitParameters() []string {
	return strings.Fields(c.Parameters)
}

// SlogHandler returns a slog.Handler configured with the appropriate format
// (text or json) and log level.
func (c *Config) SlogHandler(w *os.File) slog.Handler {
	opts := &slog.HandlerOptions{Level: c.SlogLevel()}
	if c.LogFormat == "json" {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

// SlogLevel returns the slog.Level corresponding to the configured log level.
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
