package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// EnvPrefix is the prefix for environment overrides (COURSECHAT_BACKEND_BASE_URL, ...).
const EnvPrefix = "COURSECHAT"

// Loader handles configuration loading with Viper.
type Loader struct {
	v          *viper.Viper
	configFile string
	envFile    string
}

// NewLoader creates a new configuration loader.
func NewLoader() *Loader {
	return &Loader{
		v: viper.New(),
	}
}

// SetConfigFile sets an explicit config file path.
func (l *Loader) SetConfigFile(path string) {
	l.configFile = path
}

// SetEnvFile sets an explicit .env file path. By default ./.env is read when present.
func (l *Loader) SetEnvFile(path string) {
	l.envFile = path
}

// Load loads configuration with proper precedence:
// defaults < config file < .env < env vars < CLI flags
func (l *Loader) Load() (*Config, error) {
	cfg := DefaultConfig()

	if err := l.loadEnvFile(); err != nil {
		return nil, err
	}

	l.setupViper(cfg)

	if err := l.loadConfigFile(); err != nil {
		// Config file is optional, only error if explicitly specified
		if l.configFile != "" {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
	}

	if err := l.v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	expandPaths(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// loadEnvFile reads KEY=VALUE pairs into the process environment without
// overriding variables that are already set.
func (l *Loader) loadEnvFile() error {
	path := l.envFile
	explicit := path != ""
	if !explicit {
		path = ".env"
	}
	if err := godotenv.Load(path); err != nil {
		if !explicit && errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to load env file %s: %w", path, err)
	}
	return nil
}

// expandTilde expands ~ to the user's home directory.
func expandTilde(path string) string {
	if path == "" {
		return path
	}
	if path == "~" {
		home, _ := os.UserHomeDir()
		return home
	}
	if strings.HasPrefix(path, "~/") {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[2:])
	}
	return path
}

// expandPaths expands ~ in all path-related config fields.
func expandPaths(cfg *Config) {
	cfg.Logging.File = expandTilde(cfg.Logging.File)
	cfg.DevServer.DatabasePath = expandTilde(cfg.DevServer.DatabasePath)
}

// setupViper configures Viper with defaults and environment bindings.
func (l *Loader) setupViper(cfg *Config) {
	v := l.v

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		v.AddConfigPath(filepath.Join(xdgConfig, "coursechat"))
	}

	homeDir, _ := os.UserHomeDir()
	if homeDir != "" {
		v.AddConfigPath(filepath.Join(homeDir, ".config", "coursechat"))
	}

	v.AddConfigPath(".")

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	l.setDefaults(cfg)

	// Explicitly bind environment variables (Viper's Unmarshal has issues without this)
	bindEnvVars(v)

	v.AutomaticEnv()
}

// setDefaults sets all default values in Viper.
func (l *Loader) setDefaults(cfg *Config) {
	v := l.v

	// Backend
	v.SetDefault("backend.base_url", cfg.Backend.BaseURL)
	v.SetDefault("backend.request_timeout", cfg.Backend.RequestTimeout)

	// Session
	v.SetDefault("session.token", cfg.Session.Token)
	v.SetDefault("session.user_id", cfg.Session.UserID)
	v.SetDefault("session.display_name", cfg.Session.DisplayName)

	// Polling
	v.SetDefault("polling.list_interval", cfg.Polling.ListInterval)
	v.SetDefault("polling.unread_interval", cfg.Polling.UnreadInterval)
	v.SetDefault("polling.message_interval", cfg.Polling.MessageInterval)
	v.SetDefault("polling.failure_backoff", cfg.Polling.FailureBackoff)
	v.SetDefault("polling.max_backoff", cfg.Polling.MaxBackoff)

	// Sync
	v.SetDefault("sync.match_window", cfg.Sync.MatchWindow)
	v.SetDefault("sync.send_timeout", cfg.Sync.SendTimeout)
	v.SetDefault("sync.typing_throttle", cfg.Sync.TypingThrottle)

	// Push
	v.SetDefault("push.enabled", cfg.Push.Enabled)
	v.SetDefault("push.path", cfg.Push.Path)
	v.SetDefault("push.reconnect_interval", cfg.Push.ReconnectInterval)

	// Logging
	v.SetDefault("logging.level", cfg.Logging.Level)
	v.SetDefault("logging.format", cfg.Logging.Format)
	v.SetDefault("logging.file", cfg.Logging.File)
	v.SetDefault("logging.enable_caller", cfg.Logging.EnableCaller)

	// TUI
	v.SetDefault("tui.theme", cfg.TUI.Theme)
	v.SetDefault("tui.show_timestamps", cfg.TUI.ShowTimestamps)

	// Dev server
	v.SetDefault("dev_server.addr", cfg.DevServer.Addr)
	v.SetDefault("dev_server.database_path", cfg.DevServer.DatabasePath)
	v.SetDefault("dev_server.jwt_secret", cfg.DevServer.JWTSecret)
	v.SetDefault("dev_server.seed", cfg.DevServer.Seed)
}

// loadConfigFile attempts to load the configuration file.
func (l *Loader) loadConfigFile() error {
	if l.configFile != "" {
		l.v.SetConfigFile(l.configFile)
	}

	if err := l.v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil
		}
		return err
	}

	return nil
}

// ConfigFileUsed returns the config file that was loaded.
func (l *Loader) ConfigFileUsed() string {
	return l.v.ConfigFileUsed()
}

// Set sets a Viper value by key. Used by CLI flags, which take precedence over everything.
func (l *Loader) Set(key string, value interface{}) {
	l.v.Set(key, value)
}

// LoadFromFile loads configuration from a specific file.
func LoadFromFile(path string) (*Config, error) {
	loader := NewLoader()
	loader.SetConfigFile(path)
	return loader.Load()
}

// LoadDefault loads configuration with default search paths.
func LoadDefault() (*Config, error) {
	return NewLoader().Load()
}

// bindEnvVars binds environment variables for config keys.
// Viper's Unmarshal ignores env vars on nested structs unless explicitly bound.
func bindEnvVars(v *viper.Viper) {
	envBindings := []string{
		"backend.base_url",
		"backend.request_timeout",
		"session.token",
		"session.user_id",
		"session.display_name",
		"polling.list_interval",
		"polling.unread_interval",
		"polling.message_interval",
		"polling.failure_backoff",
		"polling.max_backoff",
		"sync.match_window",
		"sync.send_timeout",
		"sync.typing_throttle",
		"push.enabled",
		"push.path",
		"push.reconnect_interval",
		"logging.level",
		"logging.format",
		"logging.file",
		"logging.enable_caller",
		"tui.theme",
		"tui.show_timestamps",
		"dev_server.addr",
		"dev_server.database_path",
		"dev_server.jwt_secret",
		"dev_server.seed",
	}

	for _, key := range envBindings {
		envVar := EnvPrefix + "_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
		_ = v.BindEnv(key, envVar)
	}
}
