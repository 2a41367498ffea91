// Package config loads and exposes application configuration (TOML).
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Default configuration values used when a field is missing in TOML.
const (
	DefaultConfigPath        = "config.toml"
	DefaultAPIBaseURL        = "http://127.0.0.1:8080"
	DefaultAPITimeout        = "30s"
	DefaultCredentialLeeway  = "5s"
	DefaultReconnectMin      = "500ms"
	DefaultReconnectMax      = "30s"
	DefaultWriteTimeout      = "10s"
	DefaultActivityPageSize  = 20
	DefaultHTTPAddr          = ":8080"
	DefaultAccessTokenTTL    = "15m"
	DefaultRefreshTokenTTL   = "168h"
	DefaultDatabasePath      = "file:tenantdesk.db?cache=shared"
	DefaultAnnounceSchedule  = "@every 5m"
	DefaultRefreshCookieName = "refreshToken"
)

// Config is the root application configuration loaded from TOML.
// The client uses log/api/realtime/activity; the development server uses the rest.
type Config struct {
	Log           LogConfig           `toml:"log"`
	API           APIConfig           `toml:"api"`
	Realtime      RealtimeConfig      `toml:"realtime"`
	Activity      ActivityConfig      `toml:"activity"`
	Server        ServerConfig        `toml:"server"`
	Auth          AuthConfig          `toml:"auth"`
	Database      DatabaseConfig      `toml:"database"`
	Announcements AnnouncementsConfig `toml:"announcements"`
}

// LogConfig holds logging level and format (e.g. level=info, format=text).
type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// APIConfig describes how the client reaches the Resource API.
type APIConfig struct {
	BaseURL          string  `toml:"base_url"`
	Timeout          string  `toml:"timeout"`
	RateLimit        float64 `toml:"rate_limit"`
	RateBurst        int     `toml:"rate_burst"`
	CredentialLeeway string  `toml:"credential_leeway"`
}

// RealtimeConfig holds the push channel endpoint and reconnect policy.
// MaxAttempts of 0 retries forever.
type RealtimeConfig struct {
	Enabled      bool   `toml:"enabled"`
	URL          string `toml:"url"`
	ReconnectMin string `toml:"reconnect_min"`
	ReconnectMax string `toml:"reconnect_max"`
	MaxAttempts  int    `toml:"max_attempts"`
	WriteTimeout string `toml:"write_timeout"`
}

// ActivityConfig holds the activity feed page size.
type ActivityConfig struct {
	PageSize int `toml:"page_size"`
}

// ServerConfig holds the development server listen address.
type ServerConfig struct {
	Addr string `toml:"addr"`
}

// AuthConfig holds the development server JWT secret, token lifetimes and login accounts.
type AuthConfig struct {
	JWTSecret       string            `toml:"jwt_secret"`
	AccessTokenTTL  string            `toml:"access_token_ttl"`
	RefreshTokenTTL string            `toml:"refresh_token_ttl"`
	CookieName      string            `toml:"cookie_name"`
	Users           map[string]string `toml:"users"`
}

// DatabaseConfig holds the sqlite DSN used by the development server.
type DatabaseConfig struct {
	Path string `toml:"path"`
}

// AnnouncementsConfig schedules system messages broadcast to every room.
type AnnouncementsConfig struct {
	Schedule string `toml:"schedule"`
	Message  string `toml:"message"`
	Kind     string `toml:"kind"`
}

// Default returns the configuration used when no file is present.
func Default() Config {
	return Config{
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		API: APIConfig{
			BaseURL:          DefaultAPIBaseURL,
			Timeout:          DefaultAPITimeout,
			CredentialLeeway: DefaultCredentialLeeway,
		},
		Realtime: RealtimeConfig{
			Enabled:      true,
			ReconnectMin: DefaultReconnectMin,
			ReconnectMax: DefaultReconnectMax,
			WriteTimeout: DefaultWriteTimeout,
		},
		Activity: ActivityConfig{
			PageSize: DefaultActivityPageSize,
		},
		Server: ServerConfig{
			Addr: DefaultHTTPAddr,
		},
		Auth: AuthConfig{
			AccessTokenTTL:  DefaultAccessTokenTTL,
			RefreshTokenTTL: DefaultRefreshTokenTTL,
			CookieName:      DefaultRefreshCookieName,
		},
		Database: DatabaseConfig{
			Path: DefaultDatabasePath,
		},
		Announcements: AnnouncementsConfig{
			Kind: "ANNOUNCE",
		},
	}
}

// Load reads and parses the TOML config file at path and applies default values for missing fields.
// A missing file is not an error.
func Load(path string) (Config, error) {
	cfg := Default()

	if path == "" {
		path = DefaultConfigPath
	}

	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, err
	}

	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return cfg, err
	}
	if cfg.Activity.PageSize <= 0 {
		cfg.Activity.PageSize = DefaultActivityPageSize
	}

	return cfg, nil
}

// RealtimeURL returns the websocket endpoint, derived from the API base URL when unset
// (http→ws, https→wss, path /ws).
func (c Config) RealtimeURL() string {
	if u := strings.TrimSpace(c.Realtime.URL); u != "" {
		return u
	}
	base := strings.TrimRight(strings.TrimSpace(c.API.BaseURL), "/")
	base = strings.TrimSuffix(base, "/api")
	switch {
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}
	return base + "/ws"
}

// Duration parses a duration field, falling back to def when the value is empty.
func Duration(value, def string) (time.Duration, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		value = def
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q: %w", value, err)
	}
	return d, nil
}
