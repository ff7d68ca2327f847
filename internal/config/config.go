// Package config loads gateway configuration from a JSON file with
// environment variable expansion.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"regexp"
)

// Config is the root gateway configuration
type Config struct {
	Server    ServerConfig    `json:"server"`
	KV        KVConfig        `json:"kv"`
	Auth      AuthConfig      `json:"auth"`
	Directory DirectoryConfig `json:"directory"`
	Brain     BrainConfig     `json:"brain"`
	Channels  ChannelsConfig  `json:"channels"`
}

// ServerConfig holds the HTTP listener settings
type ServerConfig struct {
	Host string `json:"host"`
	Port int    `json:"port"`
	// AllowedOrigin restricts browser websocket upgrades. Empty allows all.
	AllowedOrigin string `json:"allowed_origin"`
}

// KVConfig selects the keyed store backend
type KVConfig struct {
	// Driver is "memory" or "valkey"
	Driver   string `json:"driver"`
	Addr     string `json:"addr"`
	Password string `json:"password"`
	DB       int    `json:"db"`
}

// AuthConfig holds token and login settings
type AuthConfig struct {
	JWTSecret string `json:"jwt_secret"`
	// MagicLinkBaseURL is the public verification endpoint embedded in
	// login links
	MagicLinkBaseURL string `json:"magic_link_base_url"`
	// ExposeMagicLinks returns login URLs in the HTTP response instead of
	// sending mail. Development only.
	ExposeMagicLinks bool                  `json:"expose_magic_links"`
	OAuth            map[string]OAuthCreds `json:"oauth"`
}

// OAuthCreds is one provider's client credentials
type OAuthCreds struct {
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret"`
	RedirectURL  string `json:"redirect_url"`
}

// DirectoryConfig holds the identity backend settings
type DirectoryConfig struct {
	Path string `json:"path"`
	// DefaultWorkspace is granted to every new user with the member role
	DefaultWorkspace string `json:"default_workspace"`
}

// BrainConfig points at the reply-generating backend
type BrainConfig struct {
	Addr string `json:"addr"`
}

// ChannelsConfig enables and configures the channel adapters
type ChannelsConfig struct {
	WebSocket WebSocketConfig `json:"websocket"`
	Telegram  TelegramConfig  `json:"telegram"`
	WhatsApp  WhatsAppConfig  `json:"whatsapp"`
}

// WebSocketConfig configures the websocket adapter
type WebSocketConfig struct {
	Enabled bool `json:"enabled"`
}

// TelegramConfig configures the Telegram bot adapter
type TelegramConfig struct {
	Enabled  bool   `json:"enabled"`
	BotToken string `json:"bot_token"`
}

// WhatsAppConfig configures the WhatsApp adapter
type WhatsAppConfig struct {
	Enabled    bool   `json:"enabled"`
	AccountSID string `json:"account_sid"`
	AuthToken  string `json:"auth_token"`
	FromNumber string `json:"from_number"`
	// PublicURL is the externally visible webhook base used for inbound
	// signature verification
	PublicURL string `json:"public_url"`
	// Allowlist restricts which phone numbers may talk to the gateway.
	// Empty allows all.
	Allowlist []string `json:"allowlist"`
}

// Default returns a config suitable for local development
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 8080,
		},
		KV: KVConfig{
			Driver: "memory",
		},
		Auth: AuthConfig{
			MagicLinkBaseURL: "http://localhost:8080/auth/magic-link/verify",
			ExposeMagicLinks: true,
		},
		Directory: DirectoryConfig{
			Path:             "switchboard.db",
			DefaultWorkspace: "default",
		},
		Brain: BrainConfig{
			Addr: "http://localhost:9090",
		},
		Channels: ChannelsConfig{
			WebSocket: WebSocketConfig{Enabled: true},
		},
	}
}

// Load reads a JSON config file, expands ${ENV_VAR} references, and
// validates the result. A missing file falls back to defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, cfg.Validate()
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	expanded := expandEnvVars(string(data))
	if err := json.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

var envVarRe = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// expandEnvVars replaces ${VAR} with the environment value. Unset
// variables expand to the empty string.
func expandEnvVars(s string) string {
	return envVarRe.ReplaceAllStringFunc(s, func(match string) string {
		name := envVarRe.FindStringSubmatch(match)[1]
		return os.Getenv(name)
	})
}

// Validate checks cross-field consistency
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}

	switch c.KV.Driver {
	case "memory":
	case "valkey":
		if c.KV.Addr == "" {
			return fmt.Errorf("kv driver %q requires an addr", c.KV.Driver)
		}
	default:
		return fmt.Errorf("unknown kv driver: %q", c.KV.Driver)
	}

	if c.Channels.Telegram.Enabled && c.Channels.Telegram.BotToken == "" {
		return fmt.Errorf("telegram channel enabled without a bot token")
	}

	if c.Channels.WhatsApp.Enabled {
		if c.Channels.WhatsApp.AccountSID == "" || c.Channels.WhatsApp.AuthToken == "" {
			return fmt.Errorf("whatsapp channel enabled without account credentials")
		}
		if c.Channels.WhatsApp.FromNumber == "" {
			return fmt.Errorf("whatsapp channel enabled without a from number")
		}
	}

	return nil
}

// ListenAddr returns the host:port the HTTP server binds
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}
