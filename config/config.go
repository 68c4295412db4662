package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	// AppDirectoryName is the per-user application data directory name.
	AppDirectoryName = "chatsync"
	// DataDirEnv overrides the data directory.
	DataDirEnv = "CHATSYNC_DATA_DIR"
	// RedisURLEnv overrides redis_url without persisting it.
	RedisURLEnv = "CHATSYNC_REDIS_URL"
	// LogLevelEnv overrides log_level without persisting it.
	LogLevelEnv = "CHATSYNC_LOG_LEVEL"
	// MetricsAddrEnv overrides metrics_addr without persisting it.
	MetricsAddrEnv = "CHATSYNC_METRICS_ADDR"

	// DefaultLogLevel is used when log_level is empty or unknown.
	DefaultLogLevel = "info"
	// configFileName is the persisted configuration file.
	configFileName = "config.json"
)

// Engine defaults, in the units stored in config.json.
const (
	DefaultSendTimeoutMS    = 10_000
	DefaultDeliveredAfterMS = 2_000
	DefaultReadAfterMS      = 5_000
	DefaultLockWaitMS       = 500
	DefaultPageSize         = 50
	DefaultOlderPageSize    = 30
	DefaultFetchesPerSecond = 10
	DefaultFetchBurst       = 5
)

// Viewer identifies the local user.
type Viewer struct {
	ID          string `json:"id"`
	Handle      string `json:"handle"`
	DisplayName string `json:"display_name"`
}

// Engine holds the synchronization tunables.
type Engine struct {
	SendTimeoutMS    int64   `json:"send_timeout_ms"`
	DeliveredAfterMS int64   `json:"delivered_after_ms"`
	ReadAfterMS      int64   `json:"read_after_ms"`
	LockWaitMS       int64   `json:"lock_wait_ms"`
	PageSize         int     `json:"page_size"`
	OlderPageSize    int     `json:"older_page_size"`
	FetchesPerSecond float64 `json:"fetches_per_second"`
	FetchBurst       int     `json:"fetch_burst"`
}

func (e Engine) SendTimeout() time.Duration    { return millis(e.SendTimeoutMS) }
func (e Engine) DeliveredAfter() time.Duration { return millis(e.DeliveredAfterMS) }
func (e Engine) ReadAfter() time.Duration      { return millis(e.ReadAfterMS) }
func (e Engine) LockWait() time.Duration       { return millis(e.LockWaitMS) }

// Config contains persistent client settings.
type Config struct {
	Viewer          Viewer `json:"viewer"`
	RedisURL        string `json:"redis_url"`
	DraftSecretPath string `json:"draft_secret_path"`
	LogLevel        string `json:"log_level"`
	MetricsAddr     string `json:"metrics_addr"`
	Engine          Engine `json:"engine"`
}

// ResolveDataDir returns the OS-aware app data directory.
//
// If CHATSYNC_DATA_DIR is set, its value is used as an explicit override.
func ResolveDataDir() (string, error) {
	if override := os.Getenv(DataDirEnv); override != "" {
		return override, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve user home: %w", err)
	}

	switch runtime.GOOS {
	case "windows":
		base := os.Getenv("APPDATA")
		if base == "" {
			base = filepath.Join(home, "AppData", "Roaming")
		}
		return filepath.Join(base, AppDirectoryName), nil
	case "darwin":
		return filepath.Join(home, "Library", "Application Support", AppDirectoryName), nil
	default:
		base := os.Getenv("XDG_CONFIG_HOME")
		if base == "" {
			base = filepath.Join(home, ".config")
		}
		return filepath.Join(base, AppDirectoryName), nil
	}
}

// ConfigPath returns the full path to config.json for a data directory.
func ConfigPath(dataDir string) string {
	return filepath.Join(dataDir, configFileName)
}

// EnsureDataDirectories creates the app data directory layout if needed.
func EnsureDataDirectories(dataDir string) error {
	dirs := []string{
		dataDir,
		filepath.Join(dataDir, "keys"),
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}

	return nil
}

// Load reads and unmarshals config.json from disk.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	return &cfg, nil
}

// Save marshals and writes config.json to disk.
func Save(path string, cfg *Config) error {
	raw, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	raw = append(raw, '\n')
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}

	return nil
}

// LoadOrCreate ensures directories and config exist, then returns both.
// Environment overrides are applied to the returned value only.
func LoadOrCreate() (*Config, string, error) {
	dataDir, err := ResolveDataDir()
	if err != nil {
		return nil, "", err
	}
	if err := EnsureDataDirectories(dataDir); err != nil {
		return nil, "", err
	}

	cfgPath := ConfigPath(dataDir)
	cfg, err := Load(cfgPath)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, "", err
		}

		cfg = defaultConfig(dataDir)
		if err := Save(cfgPath, cfg); err != nil {
			return nil, "", err
		}

		applyEnv(cfg)
		return cfg, cfgPath, nil
	}

	if normalizeDefaults(cfg, dataDir) {
		if err := Save(cfgPath, cfg); err != nil {
			return nil, "", err
		}
	}

	applyEnv(cfg)
	return cfg, cfgPath, nil
}

func defaultConfig(dataDir string) *Config {
	cfg := &Config{}
	normalizeDefaults(cfg, dataDir)
	return cfg
}

func defaultDisplayName() string {
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return "Chatsync User"
}

func normalizeDefaults(cfg *Config, dataDir string) bool {
	updated := false
	set := func(changed bool) {
		if changed {
			updated = true
		}
	}

	if cfg.Viewer.ID == "" {
		cfg.Viewer.ID = uuid.NewString()
		updated = true
	}
	if handle := normalizeHandle(cfg.Viewer.Handle); handle != cfg.Viewer.Handle || handle == "" {
		if handle == "" {
			handle = "me"
		}
		cfg.Viewer.Handle = handle
		updated = true
	}
	if cfg.Viewer.DisplayName == "" {
		cfg.Viewer.DisplayName = defaultDisplayName()
		updated = true
	}

	if cfg.DraftSecretPath == "" {
		cfg.DraftSecretPath = filepath.Join(dataDir, "keys", "draft_secret.pem")
		updated = true
	}
	if level := normalizeLogLevel(cfg.LogLevel); level != cfg.LogLevel {
		cfg.LogLevel = level
		updated = true
	}

	engine := &cfg.Engine
	set(defaultInt64(&engine.SendTimeoutMS, DefaultSendTimeoutMS))
	set(defaultInt64(&engine.DeliveredAfterMS, DefaultDeliveredAfterMS))
	set(defaultInt64(&engine.ReadAfterMS, DefaultReadAfterMS))
	set(defaultInt64(&engine.LockWaitMS, DefaultLockWaitMS))
	set(defaultInt(&engine.PageSize, DefaultPageSize))
	set(defaultInt(&engine.OlderPageSize, DefaultOlderPageSize))
	set(defaultInt(&engine.FetchBurst, DefaultFetchBurst))
	if engine.FetchesPerSecond == 0 {
		engine.FetchesPerSecond = DefaultFetchesPerSecond
		updated = true
	}

	return updated
}

func applyEnv(cfg *Config) {
	if v := os.Getenv(RedisURLEnv); v != "" {
		cfg.RedisURL = v
	}
	if v := os.Getenv(LogLevelEnv); v != "" {
		cfg.LogLevel = normalizeLogLevel(v)
	}
	if v := os.Getenv(MetricsAddrEnv); v != "" {
		cfg.MetricsAddr = v
	}
}

func normalizeHandle(handle string) string {
	return strings.ToLower(strings.TrimPrefix(strings.TrimSpace(handle), "@"))
}

func normalizeLogLevel(level string) string {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return "debug"
	case "info":
		return "info"
	case "warn", "warning":
		return "warn"
	case "error":
		return "error"
	default:
		return DefaultLogLevel
	}
}

func defaultInt64(v *int64, def int64) bool {
	if *v > 0 {
		return false
	}
	*v = def
	return true
}

func defaultInt(v *int, def int) bool {
	if *v > 0 {
		return false
	}
	*v = def
	return true
}

func millis(ms int64) time.Duration {
	return time.Duration(ms) * time.Millisecond
}
