package config

import (
	"log/slog"
	"os"
	"testing"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, name := range []string{
		"SESSIONDRIVER_HOST", "SESSIONDRIVER_PORT", "SESSIONDRIVER_WEBDRIVER",
		"SESSIONDRIVER_PARAMETERS", "SESSIONDRIVER_INACTIVITY_TIMEOUT",
		"SESSIONDRIVER_STARTUP_TIMEOUT", "SESSIONDRIVER_MAX_CREATE_RATE",
		"SESSIONDRIVER_CREATE_BURST", "SESSIONDRIVER_LOG_LEVEL",
		"SESSIONDRIVER_LOG_FORMAT", "LOG",
	} {
		t.Setenv(name, "")
		os.Unsetenv(name)
	}
}

func TestDefaults(t *testing.T) {
	clearEnv(t)
	os.Args = []string{"sessiondriver", "--webdriver=/usr/bin/geckodriver"}

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Host != defaultHost {
		t.Errorf("Host = %q, want %q", cfg.Host, defaultHost)
	}
	if cfg.Port != defaultPort {
		t.Errorf("Port = %d, want %d", cfg.Port, defaultPort)
	}
	if cfg.InactivityTimeout != defaultInactivityTimeout {
		t.Errorf("InactivityTimeout = %d, want %d", cfg.InactivityTimeout, defaultInactivityTimeout)
	}
	if cfg.StartupTimeout != defaultStartupTimeout {
		t.Errorf("StartupTimeout = %d, want %d", cfg.StartupTimeout, defaultStartupTimeout)
	}
	if cfg.MaxCreateRate != defaultMaxCreateRate {
		t.Errorf("MaxCreateRate = %v, want %v", cfg.MaxCreateRate, defaultMaxCreateRate)
	}
	if cfg.LogLevel != defaultLogLevel {
		t.Errorf("LogLevel = %q, want %q", cfg.LogLevel, defaultLogLevel)
	}
}

func TestMissingWebDriverIsConfigError(t *testing.T) {
	clearEnv(t)
	os.Args = []string{"sessiondriver"}

	if _, err := Load(); err == nil {
		t.Fatal("expected error when --webdriver is not set")
	}
}

func TestEnvVarOverride(t *testing.T) {
	clearEnv(t)
	os.Args = []string{"sessiondriver", "--webdriver=/usr/bin/geckodriver"}
	t.Setenv("SESSIONDRIVER_PORT", "9999")
	t.Setenv("SESSIONDRIVER_INACTIVITY_TIMEOUT", "60")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Port != 9999 {
		t.Errorf("Port = %d, want 9999 (from env)", cfg.Port)
	}
	if cfg.InactivityTimeout != 60 {
		t.Errorf("InactivityTimeout = %d, want 60 (from env)", cfg.InactivityTimeout)
	}
}

func TestCLIFlagTakesPrecedenceOverEnv(t *testing.T) {
	clearEnv(t)
	os.Args = []string{"sessiondriver", "--webdriver=/usr/bin/geckodriver", "--port=5555"}
	t.Setenv("SESSIONDRIVER_PORT", "9999")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Port != 5555 {
		t.Errorf("Port = %d, want 5555 (CLI beats env)", cfg.Port)
	}
}

func TestLogEnvVarSetsLevel(t *testing.T) {
	clearEnv(t)
	os.Args = []string{"sessiondriver", "--webdriver=/usr/bin/geckodriver"}
	t.Setenv("LOG", "debug")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel = %q, want debug (from LOG env)", cfg.LogLevel)
	}
}

func TestInvalidLogLevelRejected(t *testing.T) {
	clearEnv(t)
	os.Args = []string{"sessiondriver", "--webdriver=/usr/bin/geckodriver", "--log-level=verbose"}

	if _, err := Load(); err == nil {
		t.Fatal("expected error for invalid log-level")
	}
}

func TestSplitParameters(t *testing.T) {
	c := &Config{Parameters: "  --marionette-port=0   --headless "}
	got := c.SplitParameters()
	want := []string{"--marionette-port=0", "--headless"}
	if len(got) != len(want) {
		t.Fatalf("SplitParameters() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("SplitParameters()[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestSlogLevel(t *testing.T) {
	tests := []struct {
		level string
		want  slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"error", slog.LevelError},
	}

	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			cfg := &Config{LogLevel: tt.level}
			if got := cfg.SlogLevel(); got != tt.want {
				t.Errorf("SlogLevel() = %v, want %v", got, tt.want)
			}
		})
	}
}
