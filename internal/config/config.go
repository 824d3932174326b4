// Package config loads, validates, and watches the keeper configuration.
//
// Resolution order for the config file path: the --config flag, then
// $KEEPER_CONFIG, then <data_dir>/config.yaml. Values start from
// DefaultConfig and are overlaid by whatever the file provides, so a
// partial file is fine.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full keeper configuration.
type Config struct {
	// TargetURL is the Colab notebook to keep alive. Required.
	TargetURL string `yaml:"target_url"`

	// CheckIntervalSeconds is the watchdog tick interval (default: 150)
	CheckIntervalSeconds int `yaml:"check_interval_seconds"`
	// InitialDelaySeconds delays the first check after start (default: 0)
	InitialDelaySeconds int `yaml:"initial_delay_seconds"`
	// MaxRetries bounds reconnect attempts per recovery (default: 10)
	MaxRetries int `yaml:"max_retries"`
	// RetryDelaySeconds is the pause between reconnect attempts (default: 10)
	RetryDelaySeconds int `yaml:"retry_delay_seconds"`
	// UnhealthyThreshold is the consecutive-failure count above which
	// /health reports unhealthy (default: 3)
	UnhealthyThreshold int `yaml:"unhealthy_threshold"`
	// AdaptiveInterval scales the tick interval by rolling success rate
	AdaptiveInterval bool `yaml:"adaptive_interval"`
	// RunCellsAfterRecovery re-runs all notebook cells after a
	// successful reconnect. Intrusive, so off by default.
	RunCellsAfterRecovery bool `yaml:"run_cells_after_recovery"`
	// RotationIntervalMinutes proactively reopens the browser session
	// before Colab's hard session cap. 0 disables rotation.
	// (default: 690, which is 11h30m, under the 12h cap)
	RotationIntervalMinutes int `yaml:"rotation_interval_minutes"`

	// Port is the local HTTP API port (default: 8866)
	Port int `yaml:"port"`
	// DataDir holds config, lock file, and history DB
	DataDir string `yaml:"data_dir"`

	Browser       BrowserConfig       `yaml:"browser"`
	History       HistoryConfig       `yaml:"history"`
	Notifications NotificationsConfig `yaml:"notifications"`
	Log           LogConfig           `yaml:"log"`
}

// BrowserConfig controls the Chrome session the prober drives.
type BrowserConfig struct {
	// Headless runs Chrome without a window (default: true)
	Headless bool `yaml:"headless"`
	// NoSandbox adds --no-sandbox, needed in most containers
	NoSandbox bool `yaml:"no_sandbox"`
	// ChromePath overrides executable discovery
	ChromePath string `yaml:"chrome_path"`
	// UserDataDir points at an existing Chrome profile. An
	// authenticated profile lets the keeper drive private notebooks
	// without any credential handling of its own.
	UserDataDir string `yaml:"user_data_dir"`
	// CDPPort is the DevTools port for the Chrome the keeper launches
	// (default: 9222)
	CDPPort int `yaml:"cdp_port"`
	// AttachURL attaches to an already-running Chrome (an http://host:port
	// DevTools address or a ws:// debugger URL) instead of launching one.
	AttachURL string `yaml:"attach_url"`
	// ProbeTimeoutSeconds bounds every individual browser action (default: 30)
	ProbeTimeoutSeconds int `yaml:"probe_timeout_seconds"`
	// PageLoadTimeoutSeconds bounds navigation and reloads (default: 90)
	PageLoadTimeoutSeconds int `yaml:"page_load_timeout_seconds"`
}

// HistoryConfig controls the SQLite audit store.
type HistoryConfig struct {
	Enabled bool `yaml:"enabled"`
	// MaxChecks is the trim target for the checks table (default: 500)
	MaxChecks int `yaml:"max_checks"`
	// MaxAttempts is the trim target for the attempts table (default: 200)
	MaxAttempts int `yaml:"max_attempts"`
}

// NotificationsConfig selects notifier backends.
type NotificationsConfig struct {
	Desktop  bool           `yaml:"desktop"`
	Telegram TelegramConfig `yaml:"telegram"`
}

// TelegramConfig enables the Telegram notifier when both fields are set.
// Values support ${VAR} expansion so tokens can live in the environment.
type TelegramConfig struct {
	Token  string `yaml:"token"`
	ChatID int64  `yaml:"chat_id"`
}

// LogConfig controls log level and optional file sink.
type LogConfig struct {
	Level string `yaml:"level"`
	File  string `yaml:"file"`
}

// DefaultConfig returns a config with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		CheckIntervalSeconds:    150,
		InitialDelaySeconds:     0,
		MaxRetries:              10,
		RetryDelaySeconds:       10,
		UnhealthyThreshold:      3,
		AdaptiveInterval:        false,
		RunCellsAfterRecovery:   false,
		RotationIntervalMinutes: 690,
		Port:                    8866,
		DataDir:                 DefaultDataDir(),
		Browser: BrowserConfig{
			Headless:               true,
			CDPPort:                9222,
			ProbeTimeoutSeconds:    30,
			PageLoadTimeoutSeconds: 90,
		},
		History: HistoryConfig{
			Enabled:     true,
			MaxChecks:   500,
			MaxAttempts: 200,
		},
		Notifications: NotificationsConfig{
			Desktop: true,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// DefaultDataDir returns the platform-appropriate data directory.
//
//	macOS:   ~/Library/Application Support/Keeper/
//	Windows: %AppData%\Keeper\
//	Linux:   ~/.config/keeper/
//
// Set KEEPER_DATA_DIR to override.
func DefaultDataDir() string {
	if dir := os.Getenv("KEEPER_DATA_DIR"); dir != "" {
		return dir
	}
	configDir, err := os.UserConfigDir()
	if err != nil {
		return ".keeper"
	}
	// Linux: lowercase per XDG convention
	if runtime.GOOS == "linux" {
		return filepath.Join(configDir, "keeper")
	}
	return filepath.Join(configDir, "Keeper")
}

// Path returns the config file location: $KEEPER_CONFIG if set,
// otherwise <data_dir>/config.yaml.
func Path() string {
	if p := os.Getenv("KEEPER_CONFIG"); p != "" {
		return p
	}
	return filepath.Join(DefaultDataDir(), "config.yaml")
}

// Load loads config from the default path. A missing file is not an
// error; defaults are returned.
func Load() (*Config, error) {
	return load(Path(), true)
}

// LoadFrom loads config from a specific path. The file must exist.
func LoadFrom(path string) (*Config, error) {
	return load(path, false)
}

// Overlay parses the file at path over a copy of base. A missing file
// returns the copy untouched; base is never mutated.
func Overlay(base *Config, path string) (*Config, error) {
	cfg := *base

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &cfg, nil
		}
		return nil, err
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	cfg.expand()
	return &cfg, nil
}

// LoadFromBytes parses config from raw YAML (the embedded defaults file).
func LoadFromBytes(data []byte) (*Config, error) {
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	cfg.expand()
	return cfg, nil
}

func load(path string, missingOK bool) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if missingOK && os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, err
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	cfg.expand()
	return cfg, nil
}

// expand resolves ~ in paths and ${VAR} references in string values.
func (c *Config) expand() {
	c.DataDir = expandHome(c.DataDir)
	c.Browser.UserDataDir = expandHome(c.Browser.UserDataDir)
	c.Log.File = expandHome(os.ExpandEnv(c.Log.File))

	c.TargetURL = os.ExpandEnv(c.TargetURL)
	c.Browser.ChromePath = os.ExpandEnv(c.Browser.ChromePath)
	c.Notifications.Telegram.Token = os.ExpandEnv(c.Notifications.Telegram.Token)
}

func expandHome(p string) string {
	if strings.HasPrefix(p, "~/") {
		home, err := os.UserHomeDir()
		if err == nil {
			return filepath.Join(home, p[2:])
		}
	}
	return p
}

// CheckInterval returns the watchdog tick interval.
func (c *Config) CheckInterval() time.Duration {
	return time.Duration(c.CheckIntervalSeconds) * time.Second
}

// InitialDelay returns the delay before the first check.
func (c *Config) InitialDelay() time.Duration {
	return time.Duration(c.InitialDelaySeconds) * time.Second
}

// RetryDelay returns the pause between recovery attempts.
func (c *Config) RetryDelay() time.Duration {
	return time.Duration(c.RetryDelaySeconds) * time.Second
}

// RotationInterval returns the session rotation period, 0 if disabled.
func (c *Config) RotationInterval() time.Duration {
	return time.Duration(c.RotationIntervalMinutes) * time.Minute
}

// ProbeTimeout returns the per-action browser deadline.
func (c *Config) ProbeTimeout() time.Duration {
	return time.Duration(c.Browser.ProbeTimeoutSeconds) * time.Second
}

// PageLoadTimeout returns the navigation deadline.
func (c *Config) PageLoadTimeout() time.Duration {
	return time.Duration(c.Browser.PageLoadTimeoutSeconds) * time.Second
}

// RotationEnabled reports whether proactive session rotation is on.
func (c *Config) RotationEnabled() bool {
	return c.RotationIntervalMinutes > 0
}

// TelegramEnabled reports whether the Telegram notifier is configured.
func (c *Config) TelegramEnabled() bool {
	t := c.Notifications.Telegram
	return t.Token != "" && t.ChatID != 0
}

// HistoryDBPath returns the SQLite path under the data directory.
func (c *Config) HistoryDBPath() string {
	return filepath.Join(c.DataDir, "data", "keeper.db")
}

// LockPath returns the single-instance lock file path.
func (c *Config) LockPath() string {
	return filepath.Join(c.DataDir, "keeper.lock")
}

// EnsureDataDir creates the data directory if needed.
func (c *Config) EnsureDataDir() error {
	return os.MkdirAll(c.DataDir, 0755)
}
