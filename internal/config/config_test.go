package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := NewDefaultConfig()
	require.NoError(t, ValidateConfig(cfg))

	assert.Equal(t, time.Second, cfg.Reconnect.BaseDelay)
	assert.Equal(t, 30*time.Second, cfg.Reconnect.MaxDelay)
	assert.Equal(t, 5, cfg.Reconnect.MaxAttempts)
	assert.Equal(t, 2*time.Second, cfg.Health.Interval)
	assert.Len(t, cfg.ICE.FallbackServers, 3)
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("ROOMCALL_RECONNECT_MAX_ATTEMPTS", "7")
	t.Setenv("ROOMCALL_HEALTH_INTERVAL", "500ms")
	t.Setenv("ROOMCALL_USER_NAME", "Ana")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 7, cfg.Reconnect.MaxAttempts)
	assert.Equal(t, 500*time.Millisecond, cfg.Health.Interval)
	assert.Equal(t, "Ana", cfg.UserName)
	assert.Equal(t, 30*time.Second, cfg.Reconnect.MaxDelay, "unset values keep their defaults")
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "roomcall.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
room_api_url: https://rooms.example.com/api/v1/room
signaling_url: wss://rooms.example.com/api/v1/room
reconnect:
  base_delay: 2s
  max_delay: 20s
ice:
  fallback_servers:
    - urls: ["stun:stun.example.com:3478"]
`), 0o600))
	t.Setenv("ROOMCALL_RECONNECT_MAX_ATTEMPTS", "2")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "https://rooms.example.com/api/v1/room", cfg.RoomAPIURL)
	assert.Equal(t, 2*time.Second, cfg.Reconnect.BaseDelay)
	assert.Equal(t, 20*time.Second, cfg.Reconnect.MaxDelay)
	assert.Equal(t, 2, cfg.Reconnect.MaxAttempts, "environment overrides the file")
	assert.Equal(t, []ICEServer{{URLs: []string{"stun:stun.example.com:3478"}}}, cfg.ICE.FallbackServers)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestValidateConfig(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty room api url", func(c *Config) { c.RoomAPIURL = "" }},
		{"http signaling url", func(c *Config) { c.SignalingURL = "http://localhost/room" }},
		{"zero health interval", func(c *Config) { c.Health.Interval = 0 }},
		{"negative recovery limit", func(c *Config) { c.Health.PeerRecoveryLimit = -1 }},
		{"zero base delay", func(c *Config) { c.Reconnect.BaseDelay = 0 }},
		{"max below base", func(c *Config) { c.Reconnect.MaxDelay = 500 * time.Millisecond }},
		{"no attempts", func(c *Config) { c.Reconnect.MaxAttempts = 0 }},
		{"zero confirm timeout", func(c *Config) { c.Reconnect.ConfirmTimeout = 0 }},
		{"ping after pong wait", func(c *Config) { c.Signaling.PingInterval = c.Signaling.PongWait }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := NewDefaultConfig()
			tt.mutate(cfg)
			assert.Error(t, ValidateConfig(cfg))
		})
	}

	assert.Error(t, ValidateConfig(nil))
}
