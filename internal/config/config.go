// Package config handles coursechat configuration loading and validation.
package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Config is the root configuration structure for coursechat.
type Config struct {
	// Backend settings
	Backend BackendConfig `yaml:"backend" mapstructure:"backend"`

	// Session settings
	Session SessionConfig `yaml:"session" mapstructure:"session"`

	// Polling settings
	Polling PollingConfig `yaml:"polling" mapstructure:"polling"`

	// Sync settings
	Sync SyncConfig `yaml:"sync" mapstructure:"sync"`

	// Push nudge settings
	Push PushConfig `yaml:"push" mapstructure:"push"`

	// Logging settings
	Logging LoggingConfig `yaml:"logging" mapstructure:"logging"`

	// TUI settings
	TUI TUIConfig `yaml:"tui" mapstructure:"tui"`

	// Development backend settings
	DevServer DevServerConfig `yaml:"dev_server" mapstructure:"dev_server"`
}

// BackendConfig describes how to reach the message backend.
type BackendConfig struct {
	// BaseURL is the platform API origin, e.g. https://learn.example.com.
	BaseURL string `yaml:"base_url" mapstructure:"base_url"`

	// RequestTimeout bounds every backend call.
	RequestTimeout time.Duration `yaml:"request_timeout" mapstructure:"request_timeout"`
}

// SessionConfig carries the signed-in user's credentials.
type SessionConfig struct {
	// Token is the bearer token issued by the platform.
	Token string `yaml:"token" mapstructure:"token"`

	// UserID overrides the user id read from the token claims.
	UserID string `yaml:"user_id" mapstructure:"user_id"`

	// DisplayName overrides the display name read from the token claims.
	DisplayName string `yaml:"display_name" mapstructure:"display_name"`
}

// PollingConfig contains scheduler intervals.
type PollingConfig struct {
	// ListInterval is how often the conversation list is refreshed.
	ListInterval time.Duration `yaml:"list_interval" mapstructure:"list_interval"`

	// UnreadInterval is how often unread counts are refreshed.
	UnreadInterval time.Duration `yaml:"unread_interval" mapstructure:"unread_interval"`

	// MessageInterval is how often the open conversation is refreshed.
	MessageInterval time.Duration `yaml:"message_interval" mapstructure:"message_interval"`

	// FailureBackoff stretches a task's interval after consecutive failures.
	FailureBackoff bool `yaml:"failure_backoff" mapstructure:"failure_backoff"`

	// MaxBackoff caps the stretched interval.
	MaxBackoff time.Duration `yaml:"max_backoff" mapstructure:"max_backoff"`
}

// SyncConfig contains reconciliation and session controller settings.
type SyncConfig struct {
	// MatchWindow is the created_at tolerance for matching pending messages.
	MatchWindow time.Duration `yaml:"match_window" mapstructure:"match_window"`

	// SendTimeout is how long a pending message may stay unconfirmed.
	SendTimeout time.Duration `yaml:"send_timeout" mapstructure:"send_timeout"`

	// TypingThrottle is the minimum gap between repeated typing=true signals.
	TypingThrottle time.Duration `yaml:"typing_throttle" mapstructure:"typing_throttle"`
}

// PushConfig controls the optional websocket nudge listener.
type PushConfig struct {
	// Enabled turns on the listener.
	Enabled bool `yaml:"enabled" mapstructure:"enabled"`

	// Path is the websocket endpoint path on the backend.
	Path string `yaml:"path" mapstructure:"path"`

	// ReconnectInterval is the delay between reconnect attempts.
	ReconnectInterval time.Duration `yaml:"reconnect_interval" mapstructure:"reconnect_interval"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	// Level is the minimum log level (debug, info, warn, error).
	Level string `yaml:"level" mapstructure:"level"`

	// Format is the output format (json, console).
	Format string `yaml:"format" mapstructure:"format"`

	// File is an optional log file path.
	File string `yaml:"file" mapstructure:"file"`

	// EnableCaller adds caller information to logs.
	EnableCaller bool `yaml:"enable_caller" mapstructure:"enable_caller"`
}

// TUIConfig contains TUI settings.
type TUIConfig struct {
	// Theme is the color theme (default, high-contrast).
	Theme string `yaml:"theme" mapstructure:"theme"`

	// ShowTimestamps shows message timestamps.
	ShowTimestamps bool `yaml:"show_timestamps" mapstructure:"show_timestamps"`
}

// DevServerConfig configures the development backend.
type DevServerConfig struct {
	// Addr is the listen address.
	Addr string `yaml:"addr" mapstructure:"addr"`

	// DatabasePath is the SQLite file; empty means in-memory.
	DatabasePath string `yaml:"database_path" mapstructure:"database_path"`

	// JWTSecret signs and verifies HS256 tokens.
	JWTSecret string `yaml:"jwt_secret" mapstructure:"jwt_secret"`

	// Seed loads demo users and conversations on start.
	Seed bool `yaml:"seed" mapstructure:"seed"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Backend: BackendConfig{
			BaseURL:        "http://127.0.0.1:8088",
			RequestTimeout: 10 * time.Second,
		},
		Polling: PollingConfig{
			ListInterval:    10 * time.Second,
			UnreadInterval:  10 * time.Second,
			MessageInterval: 5 * time.Second,
			FailureBackoff:  false,
			MaxBackoff:      time.Minute,
		},
		Sync: SyncConfig{
			MatchWindow:    10 * time.Second,
			SendTimeout:    15 * time.Second,
			TypingThrottle: 3 * time.Second,
		},
		Push: PushConfig{
			Enabled:           false,
			Path:              "/api/messages/ws",
			ReconnectInterval: 5 * time.Second,
		},
		Logging: LoggingConfig{
			Level:        "info",
			Format:       "console",
			EnableCaller: false,
		},
		TUI: TUIConfig{
			Theme:          "default",
			ShowTimestamps: true,
		},
		DevServer: DevServerConfig{
			Addr:      "127.0.0.1:8088",
			JWTSecret: "coursechat-dev-secret",
			Seed:      true,
		},
	}
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Backend.BaseURL) == "" {
		return fmt.Errorf("backend.base_url is required")
	}
	if u, err := url.Parse(c.Backend.BaseURL); err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("backend.base_url must be an absolute URL")
	}
	if c.Backend.RequestTimeout < 100*time.Millisecond {
		return fmt.Errorf("backend.request_timeout must be at least 100ms")
	}

	if c.Polling.ListInterval < time.Second {
		return fmt.Errorf("polling.list_interval must be at least 1s")
	}
	if c.Polling.UnreadInterval < time.Second {
		return fmt.Errorf("polling.unread_interval must be at least 1s")
	}
	if c.Polling.MessageInterval < time.Second {
		return fmt.Errorf("polling.message_interval must be at least 1s")
	}
	if c.Polling.FailureBackoff && c.Polling.MaxBackoff < c.Polling.MessageInterval {
		return fmt.Errorf("polling.max_backoff must not be shorter than polling.message_interval")
	}

	if c.Sync.MatchWindow <= 0 {
		return fmt.Errorf("sync.match_window must be positive")
	}
	if c.Sync.SendTimeout <= 0 {
		return fmt.Errorf("sync.send_timeout must be positive")
	}

	if c.Push.Enabled && !strings.HasPrefix(c.Push.Path, "/") {
		return fmt.Errorf("push.path must start with /")
	}

	switch c.Logging.Format {
	case "console", "json":
	default:
		return fmt.Errorf("logging.format must be one of console, json")
	}

	return nil
}

// OpenLogFile opens the configured log file for appending, creating parent
// directories. It returns nil when no file is configured.
func (c *Config) OpenLogFile() (*os.File, error) {
	if strings.TrimSpace(c.Logging.File) == "" {
		return nil, nil
	}
	if err := os.MkdirAll(filepath.Dir(c.Logging.File), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}
	f, err := os.OpenFile(c.Logging.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}
	return f, nil
}
