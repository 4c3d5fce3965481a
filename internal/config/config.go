// Package config loads the fleetd TOML configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// FileName is the TOML config file name inside the config directory.
const FileName = "config.toml"

// Config is the user-facing configuration in TOML format.
type Config struct {
	// Server configures the HTTP/WebSocket surface.
	Server ServerSettings `toml:"server"`

	// Launch configures game-client launching and pid correlation.
	Launch LaunchSettings `toml:"launch"`

	// Heartbeat configures the session liveness sweep.
	Heartbeat HeartbeatSettings `toml:"heartbeat"`

	// Activity configures the balance-window classifier.
	Activity ActivitySettings `toml:"activity"`

	// Ledger configures financial snapshot persistence.
	Ledger LedgerSettings `toml:"ledger"`

	// Logs configures file logging.
	Logs LogSettings `toml:"logs"`
}

// ServerSettings configures the HTTP listener.
type ServerSettings struct {
	// ListenAddr is the bind address (default "127.0.0.1:8787")
	ListenAddr string `toml:"listen_addr"`

	// Token, when set, requires Bearer auth on every HTTP request
	Token string `toml:"token"`

	// TelemetryPerMinute rate-limits POST /gameData per account (default 120)
	TelemetryPerMinute int `toml:"telemetry_per_minute"`
}

// LaunchSettings configures client launching and process correlation.
type LaunchSettings struct {
	// ExecutableName is the client process name in the OS process table
	// (default "GameClient.exe")
	ExecutableName string `toml:"executable_name"`

	// Command is the launcher invoked for /launchGame; %PLACE% and %JOB%
	// are substituted. Empty disables launching (correlation still runs
	// for externally started clients).
	Command string `toml:"command"`

	// GraceDelaySecs is waited before the first correlation poll (default 2)
	GraceDelaySecs int `toml:"grace_delay_secs"`

	// PollIntervalMillis is the correlation re-scan cadence (default 1000)
	PollIntervalMillis int `toml:"poll_interval_millis"`

	// MaxAttempts before correlation gives up (default 15)
	MaxAttempts int `toml:"max_attempts"`
}

// HeartbeatSettings configures the session liveness sweep.
type HeartbeatSettings struct {
	// IntervalSecs is the ping sweep cadence; sessions silent for a full
	// interval are closed (default 30)
	IntervalSecs int `toml:"interval_secs"`
}

// ActivitySettings configures the classifier window.
type ActivitySettings struct {
	// WindowSize is the balance-history length (default 10)
	WindowSize int `toml:"window_size"`

	// WarnAfter no-gain samples degrade to warning (default 5)
	WarnAfter int `toml:"warn_after"`

	// InactiveAfter no-gain samples degrade to inactive (default 10)
	InactiveAfter int `toml:"inactive_after"`
}

// LedgerSettings configures snapshot persistence.
type LedgerSettings struct {
	// Path is the SQLite database file (default <config dir>/ledger.db)
	Path string `toml:"path"`

	// SaveIntervalSecs between periodic snapshots (default 60)
	SaveIntervalSecs int `toml:"save_interval_secs"`
}

// LogSettings configures file logging.
type LogSettings struct {
	// Dir is the log directory (default <config dir>)
	Dir string `toml:"dir"`

	// Level is "debug", "info", "warn" or "error" (default "info")
	Level string `toml:"level"`

	// Format is "json" (default) or "text"
	Format string `toml:"format"`
}

// Dir returns the fleetd config directory, honoring FLEETD_CONFIG_DIR.
func Dir() string {
	if dir := os.Getenv("FLEETD_CONFIG_DIR"); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".fleetdeck"
	}
	return filepath.Join(home, ".fleetdeck")
}

// Default returns a config with every default applied.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.Server.ListenAddr == "" {
		c.Server.ListenAddr = "127.0.0.1:8787"
	}
	if c.Server.TelemetryPerMinute <= 0 {
		c.Server.TelemetryPerMinute = 120
	}
	if c.Launch.ExecutableName == "" {
		c.Launch.ExecutableName = "GameClient.exe"
	}
	if c.Launch.GraceDelaySecs <= 0 {
		c.Launch.GraceDelaySecs = 2
	}
	if c.Launch.PollIntervalMillis <= 0 {
		c.Launch.PollIntervalMillis = 1000
	}
	if c.Launch.MaxAttempts <= 0 {
		c.Launch.MaxAttempts = 15
	}
	if c.Heartbeat.IntervalSecs <= 0 {
		c.Heartbeat.IntervalSecs = 30
	}
	if c.Activity.WindowSize <= 0 {
		c.Activity.WindowSize = 10
	}
	if c.Activity.WarnAfter <= 0 {
		c.Activity.WarnAfter = 5
	}
	if c.Activity.InactiveAfter <= 0 {
		c.Activity.InactiveAfter = 10
	}
	if c.Ledger.Path == "" {
		c.Ledger.Path = filepath.Join(Dir(), "ledger.db")
	}
	if c.Ledger.SaveIntervalSecs <= 0 {
		c.Ledger.SaveIntervalSecs = 60
	}
	if c.Logs.Dir == "" {
		c.Logs.Dir = Dir()
	}
	if c.Logs.Level == "" {
		c.Logs.Level = "info"
	}
}

// Load reads the config file at path, applying defaults for anything not
// set. A missing file yields the defaults, not an error.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		if os.IsNotExist(err) {
			cfg.applyDefaults()
			return cfg, nil
		}
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}
	cfg.applyDefaults()
	return cfg, nil
}

// GraceDelay returns the launch grace delay as a duration.
func (c *Config) GraceDelay() time.Duration {
	return time.Duration(c.Launch.GraceDelaySecs) * time.Second
}

// PollInterval returns the correlation poll interval as a duration.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.Launch.PollIntervalMillis) * time.Millisecond
}

// HeartbeatInterval returns the sweep interval as a duration.
func (c *Config) HeartbeatInterval() time.Duration {
	return time.Duration(c.Heartbeat.IntervalSecs) * time.Second
}

// LedgerSaveInterval returns the snapshot cadence as a duration.
func (c *Config) LedgerSaveInterval() time.Duration {
	return time.Duration(c.Ledger.SaveIntervalSecs) * time.Second
}
