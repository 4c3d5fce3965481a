package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.toml"))
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:8787", cfg.Server.ListenAddr)
	assert.Equal(t, "GameClient.exe", cfg.Launch.ExecutableName)
	assert.Equal(t, 15, cfg.Launch.MaxAttempts)
	assert.Equal(t, 30*time.Second, cfg.HeartbeatInterval())
	assert.Equal(t, time.Second, cfg.PollInterval())
	assert.Equal(t, 2*time.Second, cfg.GraceDelay())
	assert.Equal(t, 10, cfg.Activity.WindowSize)
}

func TestLoadOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), FileName)
	content := `
[server]
listen_addr = "0.0.0.0:9000"
token = "secret"

[launch]
executable_name = "RobloxPlayerBeta.exe"
max_attempts = 30

[heartbeat]
interval_secs = 10

[activity]
warn_after = 3
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "0.0.0.0:9000", cfg.Server.ListenAddr)
	assert.Equal(t, "secret", cfg.Server.Token)
	assert.Equal(t, "RobloxPlayerBeta.exe", cfg.Launch.ExecutableName)
	assert.Equal(t, 30, cfg.Launch.MaxAttempts)
	assert.Equal(t, 10*time.Second, cfg.HeartbeatInterval())
	assert.Equal(t, 3, cfg.Activity.WarnAfter)
	// Untouched sections keep defaults.
	assert.Equal(t, 1000, cfg.Launch.PollIntervalMillis)
	assert.Equal(t, 10, cfg.Activity.InactiveAfter)
}

func TestLoadMalformed(t *testing.T) {
	path := filepath.Join(t.TempDir(), FileName)
	require.NoError(t, os.WriteFile(path, []byte("[server\nbroken"), 0o644))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestWatcherReloads(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, FileName)
	require.NoError(t, os.WriteFile(path, []byte(""), 0o644))

	reloaded := make(chan *Config, 1)
	w, err := NewWatcher(path, func(cfg *Config) {
		select {
		case reloaded <- cfg:
		default:
		}
	})
	require.NoError(t, err)
	go w.Start()
	defer w.Stop()

	// Give the watch loop a moment to register.
	time.Sleep(100 * time.Millisecond)
	content := "[heartbeat]\ninterval_secs = 7\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	select {
	case cfg := <-reloaded:
		assert.Equal(t, 7, cfg.Heartbeat.IntervalSecs)
	case <-time.After(3 * time.Second):
		t.Fatal("config reload not observed")
	}
}
