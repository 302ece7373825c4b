package server

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
)

// TOMLConfig represents the structure of the server config file
type TOMLConfig struct {
	Server   ServerSection   `toml:"server"`
	Limits   LimitsSection   `toml:"limits"`
	Channels ChannelsSection `toml:"channels"`
}

type ServerSection struct {
	HTTPPort      int    `toml:"http_port"`
	MetricsPort   int    `toml:"metrics_port"`
	DatabasePath  string `toml:"database_path"`
	JWTSecret     string `toml:"jwt_secret"`
	TokenTTLHours int    `toml:"token_ttl_hours"`
}

type LimitsSection struct {
	MaxMessageLength  int `toml:"max_message_length"`
	MaxUsernameLength int `toml:"max_username_length"`
	MinPasswordLength int `toml:"min_password_length"`
}

type ChannelsSection struct {
	SeedChannels []SeedChannel `toml:"seed_channels"`
}

type SeedChannel struct {
	Name        string `toml:"name"`
	Description string `toml:"description"`
}

// ServerConfig holds the resolved server configuration
type ServerConfig struct {
	HTTPPort          int
	MetricsPort       int
	JWTSecret         string
	TokenTTLHours     int
	MaxMessageLength  int
	MaxUsernameLength int
	MinPasswordLength int
	SeedChannels      []SeedChannel
}

// DefaultConfig returns default server configuration
func DefaultConfig() ServerConfig {
	return ServerConfig{
		HTTPPort:          8080,
		MetricsPort:       9090,
		TokenTTLHours:     168, // 7 days
		MaxMessageLength:  4096,
		MaxUsernameLength: 20,
		MinPasswordLength: 6,
		SeedChannels: []SeedChannel{
			{Name: "general", Description: "General discussion"},
			{Name: "random", Description: "Off-topic chat"},
		},
	}
}

// DefaultTOMLConfig returns the default TOML configuration
func DefaultTOMLConfig() TOMLConfig {
	return TOMLConfig{
		Server: ServerSection{
			HTTPPort:      8080,
			MetricsPort:   9090,
			DatabasePath:  "~/.teamchat/teamchat.db",
			TokenTTLHours: 168,
		},
		Limits: LimitsSection{
			MaxMessageLength:  4096,
			MaxUsernameLength: 20,
			MinPasswordLength: 6,
		},
		Channels: ChannelsSection{
			SeedChannels: []SeedChannel{
				{Name: "general", Description: "General discussion"},
				{Name: "random", Description: "Off-topic chat"},
			},
		},
	}
}

// LoadConfig loads configuration from a TOML file, creates default if not found,
// and applies environment variable overrides
func LoadConfig(path string) (TOMLConfig, error) {
	path, err := expandHome(path)
	if err != nil {
		return TOMLConfig{}, err
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		config := DefaultTOMLConfig()
		if err := writeDefaultConfig(path, config); err != nil {
			// Can't write (permissions?) but we can still run with defaults
			return applyEnvOverrides(config), nil
		}
		return applyEnvOverrides(config), nil
	}

	var config TOMLConfig
	if _, err := toml.DecodeFile(path, &config); err != nil {
		return TOMLConfig{}, fmt.Errorf("failed to parse config file: %w", err)
	}

	return applyEnvOverrides(config), nil
}

// applyEnvOverrides applies environment variable overrides to the config.
// Environment variables follow the pattern: TEAMCHAT_SECTION_KEY
// Example: TEAMCHAT_SERVER_HTTP_PORT=8080
func applyEnvOverrides(config TOMLConfig) TOMLConfig {
	if val := os.Getenv("TEAMCHAT_SERVER_HTTP_PORT"); val != "" {
		if port, err := strconv.Atoi(val); err == nil {
			config.Server.HTTPPort = port
		}
	}
	if val := os.Getenv("TEAMCHAT_SERVER_METRICS_PORT"); val != "" {
		if port, err := strconv.Atoi(val); err == nil {
			config.Server.MetricsPort = port
		}
	}
	if val := os.Getenv("TEAMCHAT_SERVER_DATABASE_PATH"); val != "" {
		config.Server.DatabasePath = val
	}
	if val := os.Getenv("TEAMCHAT_SERVER_JWT_SECRET"); val != "" {
		config.Server.JWTSecret = val
	}
	if val := os.Getenv("TEAMCHAT_SERVER_TOKEN_TTL_HOURS"); val != "" {
		if hours, err := strconv.Atoi(val); err == nil {
			config.Server.TokenTTLHours = hours
		}
	}
	if val := os.Getenv("TEAMCHAT_LIMITS_MAX_MESSAGE_LENGTH"); val != "" {
		if limit, err := strconv.Atoi(val); err == nil {
			config.Limits.MaxMessageLength = limit
		}
	}
	if val := os.Getenv("TEAMCHAT_LIMITS_MAX_USERNAME_LENGTH"); val != "" {
		if limit, err := strconv.Atoi(val); err == nil {
			config.Limits.MaxUsernameLength = limit
		}
	}
	if val := os.Getenv("TEAMCHAT_LIMITS_MIN_PASSWORD_LENGTH"); val != "" {
		if limit, err := strconv.Atoi(val); err == nil {
			config.Limits.MinPasswordLength = limit
		}
	}
	return config
}

// writeDefaultConfig writes the default config to a file with all options documented
func writeDefaultConfig(path string, config TOMLConfig) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer f.Close()

	content := `# TeamChat Server Configuration
# This file was auto-generated with default values
# Restart the server for changes to take effect
#
# Environment variables can override these settings:
# TEAMCHAT_SECTION_KEY (e.g., TEAMCHAT_SERVER_HTTP_PORT=8080)

[server]
# Port for the public HTTP server (API + /ws WebSocket endpoint)
http_port = 8080

# Port for the internal metrics server (/metrics, /healthz) - never expose publicly
metrics_port = 9090

# Path to SQLite database file
database_path = "~/.teamchat/teamchat.db"

# Secret used to sign auth tokens. Leave empty to generate a random secret on
# startup (tokens then become invalid across restarts):
# jwt_secret = "change-me"

# Auth token lifetime in hours
token_ttl_hours = 168  # 7 days

[limits]
# Maximum message length in bytes
max_message_length = 4096

# Maximum username length in characters
max_username_length = 20

# Minimum password length in characters
min_password_length = 6

[channels]
# Seed channels created on first startup if the database is empty
seed_channels = [
  { name = "general", description = "General discussion" },
  { name = "random", description = "Off-topic chat" },
]
`

	if _, err := f.WriteString(content); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

// ToServerConfig converts TOMLConfig to ServerConfig
func (c *TOMLConfig) ToServerConfig() ServerConfig {
	cfg := DefaultConfig()

	if c.Server.HTTPPort != 0 {
		cfg.HTTPPort = c.Server.HTTPPort
	}
	if c.Server.MetricsPort != 0 {
		cfg.MetricsPort = c.Server.MetricsPort
	}
	if strings.TrimSpace(c.Server.JWTSecret) != "" {
		cfg.JWTSecret = c.Server.JWTSecret
	}
	if c.Server.TokenTTLHours != 0 {
		cfg.TokenTTLHours = c.Server.TokenTTLHours
	}
	if c.Limits.MaxMessageLength != 0 {
		cfg.MaxMessageLength = c.Limits.MaxMessageLength
	}
	if c.Limits.MaxUsernameLength != 0 {
		cfg.MaxUsernameLength = c.Limits.MaxUsernameLength
	}
	if c.Limits.MinPasswordLength != 0 {
		cfg.MinPasswordLength = c.Limits.MinPasswordLength
	}
	if len(c.Channels.SeedChannels) > 0 {
		cfg.SeedChannels = c.Channels.SeedChannels
	}

	return cfg
}

// GetDatabasePath returns the database path with ~ expanded
func (c *TOMLConfig) GetDatabasePath() (string, error) {
	return expandHome(c.Server.DatabasePath)
}

func expandHome(path string) (string, error) {
	if strings.HasPrefix(path, "~/") {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("failed to get home directory: %w", err)
		}
		return filepath.Join(homeDir, path[2:]), nil
	}
	return path, nil
}
