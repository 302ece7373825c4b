package server

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigCreatesDefault(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")

	config, err := LoadConfig(path)
	require.NoError(t, err)

	// Default file was written and is parseable on a second load
	_, err = os.Stat(path)
	require.NoError(t, err)
	reloaded, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, config.Server.HTTPPort, reloaded.Server.HTTPPort)

	assert.Equal(t, 8080, config.Server.HTTPPort)
	assert.Equal(t, 9090, config.Server.MetricsPort)
	assert.Equal(t, 168, config.Server.TokenTTLHours)
	assert.Equal(t, 4096, config.Limits.MaxMessageLength)
	require.Len(t, config.Channels.SeedChannels, 2)
	assert.Equal(t, "general", config.Channels.SeedChannels[0].Name)
}

func TestLoadConfigEnvOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")

	t.Setenv("TEAMCHAT_SERVER_HTTP_PORT", "9999")
	t.Setenv("TEAMCHAT_SERVER_JWT_SECRET", "env-secret")
	t.Setenv("TEAMCHAT_LIMITS_MAX_MESSAGE_LENGTH", "128")

	config, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 9999, config.Server.HTTPPort)
	assert.Equal(t, "env-secret", config.Server.JWTSecret)
	assert.Equal(t, 128, config.Limits.MaxMessageLength)
}

func TestLoadConfigParsesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	content := `
[server]
http_port = 3000
jwt_secret = "filesecret"

[limits]
min_password_length = 10

[channels]
seed_channels = [
  { name = "dev", description = "Development" },
]
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	config, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 3000, config.Server.HTTPPort)
	assert.Equal(t, "filesecret", config.Server.JWTSecret)
	assert.Equal(t, 10, config.Limits.MinPasswordLength)
	require.Len(t, config.Channels.SeedChannels, 1)
	assert.Equal(t, "dev", config.Channels.SeedChannels[0].Name)
}

func TestToServerConfigFillsDefaults(t *testing.T) {
	var toml TOMLConfig
	toml.Server.HTTPPort = 3000

	cfg := toml.ToServerConfig()
	assert.Equal(t, 3000, cfg.HTTPPort)
	assert.Equal(t, 9090, cfg.MetricsPort)
	assert.Equal(t, 4096, cfg.MaxMessageLength)
	assert.Equal(t, 6, cfg.MinPasswordLength)
	assert.NotEmpty(t, cfg.SeedChannels)
}
