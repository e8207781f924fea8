package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"callcore/internal/core/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// helper to build a minimal valid config that can be tweaked in tests.
func validBaseConfig() *Config {
	cfg := DefaultConfig()
	cfg.RateLimiting.Enabled = true
	cfg.RateLimiting.HTTP.RequestsPerSecond = 10
	cfg.RateLimiting.HTTP.Burst = 20
	cfg.RateLimiting.HTTP.MaxConcurrent = 5
	cfg.RateLimiting.WebSocket.MessagesPerSecond = 50
	cfg.RateLimiting.WebSocket.Burst = 100
	cfg.RateLimiting.WebSocket.MaxMessageSizeBytes = 65536
	return cfg
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestDefaultConfig_IsValid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
	assert.True(t, cfg.Communication.AutoSubscribe)
	assert.Equal(t, "#videoControls", cfg.Controls.Container)
}

func TestValidate_RateLimitingDisabled_AllowsZeroValues(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RateLimiting.Enabled = false
	cfg.RateLimiting.HTTP.RequestsPerSecond = 0
	cfg.RateLimiting.HTTP.Burst = 0
	cfg.RateLimiting.HTTP.MaxConcurrent = 0
	cfg.RateLimiting.WebSocket.MessagesPerSecond = 0
	cfg.RateLimiting.WebSocket.Burst = 0
	cfg.RateLimiting.WebSocket.MaxMessageSizeBytes = 0

	assert.NoError(t, cfg.Validate())
}

func TestValidate_InvalidValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"http rps must be > 0", func(c *Config) { c.RateLimiting.HTTP.RequestsPerSecond = 0 }},
		{"http burst must be > 0", func(c *Config) { c.RateLimiting.HTTP.Burst = 0 }},
		{"http max concurrent must be >= 0", func(c *Config) { c.RateLimiting.HTTP.MaxConcurrent = -1 }},
		{"ws messages per second must be > 0", func(c *Config) { c.RateLimiting.WebSocket.MessagesPerSecond = 0 }},
		{"ws burst must be > 0", func(c *Config) { c.RateLimiting.WebSocket.Burst = 0 }},
		{"ws max message size must be >= 0", func(c *Config) { c.RateLimiting.WebSocket.MaxMessageSizeBytes = -1 }},
		{"engine url", func(c *Config) { c.Engine.URL = "" }},
		{"engine request timeout", func(c *Config) { c.Engine.RequestTimeout = 0 }},
		{"pong before ping", func(c *Config) { c.Signal.PongTimeout = c.Signal.PingInterval }},
		{"empty jwt secret", func(c *Config) { c.Auth.JWTSecret = "" }},
		{"max ttl below default", func(c *Config) { c.Auth.MaxTokenTTL = time.Minute }},
		{"unknown log format", func(c *Config) { c.Logging.Format = "xml" }},
		{"unknown container role", func(c *Config) { c.Containers = map[string]map[string]string{"viewer": {}} }},
		{"negative connection limit", func(c *Config) { c.Communication.ConnectionLimit = -1 }},
		{"tracing without endpoint", func(c *Config) {
			c.Tracing.Enabled = true
			c.Tracing.JaegerURL = ""
		}},
		{"redis without channel", func(c *Config) {
			c.Redis.Enabled = true
			c.Redis.Channel = ""
		}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := validBaseConfig()
			require.NoError(t, cfg.Validate())
			tc.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig().Server.Address, cfg.Server.Address)
}

func TestLoad_ParsesSections(t *testing.T) {
	path := writeConfig(t, `
credentials:
  api_key: key
  session_id: session-1
  token: token-1
packages: [textChat, archiving]
containers:
  subscriber:
    screen: "#screenSubscribers"
communication:
  auto_subscribe: false
  connection_limit: 4
  call_properties:
    insertMode: append
    style:
      buttonDisplayMode: "off"
text_chat:
  name: Alice
  always_open: true
archiving:
  start_url: http://archive/start
engine:
  url: wss://engine.example.com/ws
  request_timeout: 3s
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, domain.Credentials{APIKey: "key", SessionID: "session-1", Token: "token-1"}, cfg.Credentials)
	assert.Equal(t, []domain.PackageName{domain.PackageTextChat, domain.PackageArchiving}, cfg.Packages)
	assert.False(t, cfg.Communication.AutoSubscribe)
	assert.Equal(t, 4, cfg.Communication.ConnectionLimit)
	assert.Equal(t, map[string]interface{}{"buttonDisplayMode": "off"}, cfg.Communication.CallProperties["style"])
	assert.Equal(t, "Alice", cfg.TextChat.Name)
	assert.True(t, cfg.TextChat.AlwaysOpen)
	assert.Equal(t, "http://archive/start", cfg.Archiving.StartURL)
	assert.Equal(t, "wss://engine.example.com/ws", cfg.Engine.URL)
	assert.Equal(t, 3*time.Second, cfg.Engine.RequestTimeout)
	// untouched sections keep their defaults
	assert.Equal(t, DefaultConfig().Engine.DialTimeout, cfg.Engine.DialTimeout)

	container, ok := cfg.Container(domain.RoleSubscriber, domain.VideoTypeScreen)
	assert.True(t, ok)
	assert.Equal(t, "#screenSubscribers", container)
	_, ok = cfg.Container(domain.RolePublisher, domain.VideoTypeCamera)
	assert.False(t, ok)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("CALLCORE_API_KEY", "env-key")
	t.Setenv("CALLCORE_ENGINE_URL", "ws://env:9000/ws")
	t.Setenv("CALLCORE_PACKAGES", "screenSharing, annotation")
	t.Setenv("CALLCORE_REDIS_ENABLED", "true")

	cfg, err := Load(writeConfig(t, "credentials:\n  api_key: file-key\n"))
	require.NoError(t, err)

	assert.Equal(t, "env-key", cfg.Credentials.APIKey)
	assert.Equal(t, "ws://env:9000/ws", cfg.Engine.URL)
	assert.Equal(t, []domain.PackageName{domain.PackageScreenSharing, domain.PackageAnnotation}, cfg.Packages)
	assert.True(t, cfg.Redis.Enabled)
}

func TestLoad_Errors(t *testing.T) {
	_, err := Load(writeConfig(t, "engine: [not, a, map]"))
	assert.ErrorContains(t, err, "unmarshal")

	_, err = Load(writeConfig(t, "logging:\n  format: xml\n"))
	assert.ErrorContains(t, err, "invalid configuration")

	t.Setenv("CALLCORE_TRACING_ENABLED", "maybe")
	_, err = Load(writeConfig(t, ""))
	assert.ErrorContains(t, err, "CALLCORE_TRACING_ENABLED")
}
