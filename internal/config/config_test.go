package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestDefaultIsValid(t *testing.T) {
	assert.NoError(t, Default().Validate())
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "does-not-exist.json"))
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "memory", cfg.KV.Driver)
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `{
		"server": {"port": 9000},
		"kv": {"driver": "valkey", "addr": "localhost:6379"},
		"channels": {"telegram": {"enabled": true, "bot_token": "123:abc"}}
	}`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 9000, cfg.Server.Port)
	assert.Equal(t, "valkey", cfg.KV.Driver)
	assert.Equal(t, "localhost:6379", cfg.KV.Addr)
	assert.True(t, cfg.Channels.Telegram.Enabled)
	// Untouched sections keep their defaults
	assert.Equal(t, "default", cfg.Directory.DefaultWorkspace)
}

func TestLoadExpandsEnvVars(t *testing.T) {
	t.Setenv("SWITCHBOARD_TEST_SECRET", "s3cret")

	path := writeConfig(t, `{"auth": {"jwt_secret": "${SWITCHBOARD_TEST_SECRET}"}}`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "s3cret", cfg.Auth.JWTSecret)
}

func TestLoadUnsetEnvVarExpandsEmpty(t *testing.T) {
	path := writeConfig(t, `{"auth": {"jwt_secret": "${SWITCHBOARD_DEFINITELY_UNSET}"}}`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Empty(t, cfg.Auth.JWTSecret)
}

func TestValidateRejectsBadConfigs(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad port", func(c *Config) { c.Server.Port = 0 }},
		{"unknown kv driver", func(c *Config) { c.KV.Driver = "redis2" }},
		{"valkey without addr", func(c *Config) { c.KV.Driver = "valkey"; c.KV.Addr = "" }},
		{"telegram without token", func(c *Config) { c.Channels.Telegram.Enabled = true }},
		{"whatsapp without creds", func(c *Config) { c.Channels.WhatsApp.Enabled = true }},
		{"whatsapp without from number", func(c *Config) {
			c.Channels.WhatsApp.Enabled = true
			c.Channels.WhatsApp.AccountSID = "AC1"
			c.Channels.WhatsApp.AuthToken = "tok"
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestListenAddr(t *testing.T) {
	cfg := Default()
	cfg.Server.Host = "127.0.0.1"
	cfg.Server.Port = 8081
	assert.Equal(t, "127.0.0.1:8081", cfg.ListenAddr())
}

func TestLoadRejectsMalformedJSON(t *testing.T) {
	path := writeConfig(t, `{"server": `)

	_, err := Load(path)
	assert.Error(t, err)
}
