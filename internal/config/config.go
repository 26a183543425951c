package config

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

//go:embed sample_config.toml
var sampleConfig string

// Paths contains directory configuration.
type Paths struct {
	CacheDir   string `toml:"cache_dir"`
	LogDir     string `toml:"log_dir"`
	RuntimeDir string `toml:"runtime_dir"`
}

// Run contains scheduler defaults applied when CLI flags are absent.
type Run struct {
	Concurrency        int    `toml:"concurrency"`
	FailurePolicy      string `toml:"failure_policy"`
	OutputMode         string `toml:"output_mode"`
	GracePeriodSeconds int    `toml:"grace_period_seconds"`
	Summarize          bool   `toml:"summarize"`
}

// Cache contains local artifact cache configuration.
type Cache struct {
	Enabled    bool `toml:"enabled"`
	MaxGiB     int  `toml:"max_gib"`
	MaxAgeDays int  `toml:"max_age_days"`
}

// RemoteCache contains configuration for the shared Redis artifact store.
type RemoteCache struct {
	Enabled        bool   `toml:"enabled"`
	Addr           string `toml:"addr"`
	Password       string `toml:"password"`
	DB             int    `toml:"db"`
	KeyPrefix      string `toml:"key_prefix"`
	TTLHours       int    `toml:"ttl_hours"`
	TimeoutSeconds int    `toml:"timeout_seconds"`
	ReadOnly       bool   `toml:"read_only"`
}

// Daemon contains background daemon and connector settings.
type Daemon struct {
	Enabled            bool `toml:"enabled"`
	SpawnAttempts      int  `toml:"spawn_attempts"`
	ConnectTimeoutMS   int  `toml:"connect_timeout_ms"`
	RPCTimeoutSeconds  int  `toml:"rpc_timeout_seconds"`
	IdleTimeoutMinutes int  `toml:"idle_timeout_minutes"`
	HashShards         int  `toml:"hash_shards"`
	WatchDebounceMS    int  `toml:"watch_debounce_ms"`
}

// Logging contains configuration for log output.
type Logging struct {
	Format        string `toml:"format"`
	Level         string `toml:"level"`
	MaxSizeMB     int    `toml:"max_size_mb"`
	MaxBackups    int    `toml:"max_backups"`
	RetentionDays int    `toml:"retention_days"`
}

// Telemetry toggles in-process metric collection.
type Telemetry struct {
	Enabled bool `toml:"enabled"`
}

// Config encapsulates all tool configuration values for kiln.
//
// Configuration sections by subsystem:
//   - Paths: cache, log and runtime (socket) directories
//   - Run: scheduler defaults (concurrency, failure policy, output mode)
//   - Cache: local artifact cache and eviction budget
//   - RemoteCache: Redis-backed shared cache tier
//   - Daemon: background daemon and connector behavior
//   - Logging: log format, level, and rotation
//   - Telemetry: run metrics
//
// Workspace task definitions are not part of this file; they live in
// kiln.toml at the workspace root (see internal/pipeline).
type Config struct {
	Paths       Paths       `toml:"paths"`
	Run         Run         `toml:"run"`
	Cache       Cache       `toml:"cache"`
	RemoteCache RemoteCache `toml:"remote_cache"`
	Daemon      Daemon      `toml:"daemon"`
	Logging     Logging     `toml:"logging"`
	Telemetry   Telemetry   `toml:"telemetry"`
}

// DefaultConfigPath returns the absolute path to the default configuration file location.
func DefaultConfigPath() (string, error) {
	return expandPath(defaultConfigPath)
}

// Load locates, parses, and validates a configuration file. The returned config has all
// path fields expanded and normalized.
func Load(path string) (*Config, string, bool, error) {
	cfg := Default()

	resolvedPath, exists, err := resolveConfigPath(path)
	if err != nil {
		return nil, "", false, err
	}

	if exists {
		file, err := os.Open(resolvedPath)
		if err != nil {
			return nil, "", false, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()

		decoder := toml.NewDecoder(file)
		decoder.DisallowUnknownFields()
		if err := decoder.Decode(&cfg); err != nil {
			return nil, "", false, fmt.Errorf("parse config %s: %w", resolvedPath, err)
		}
	}

	if err := cfg.normalize(); err != nil {
		return nil, "", false, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, "", false, err
	}

	return &cfg, resolvedPath, exists, nil
}

func resolveConfigPath(path string) (string, bool, error) {
	if path != "" {
		expanded, err := expandPath(path)
		if err != nil {
			return "", false, err
		}
		_, err = os.Stat(expanded)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return expanded, false, nil
			}
			return "", false, fmt.Errorf("stat config: %w", err)
		}
		return expanded, true, nil
	}

	if value, ok := os.LookupEnv("KILN_CONFIG"); ok && strings.TrimSpace(value) != "" {
		return resolveConfigPath(strings.TrimSpace(value))
	}

	defaultPath, err := expandPath(defaultConfigPath)
	if err != nil {
		return "", false, err
	}
	if info, err := os.Stat(defaultPath); err == nil && !info.IsDir() {
		return defaultPath, true, nil
	}
	return defaultPath, false, nil
}

// EnsureDirectories creates the directories the CLI and daemon write into.
func (c *Config) EnsureDirectories() error {
	for _, dir := range []string{c.Paths.CacheDir, c.Paths.LogDir, c.Paths.RuntimeDir} {
		if strings.TrimSpace(dir) == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}
	return nil
}

// GracePeriod returns the termination grace period for running tasks.
func (c *Config) GracePeriod() time.Duration {
	return time.Duration(c.Run.GracePeriodSeconds) * time.Second
}

// CacheMaxBytes returns the local cache byte budget.
func (c *Config) CacheMaxBytes() int64 {
	return int64(c.Cache.MaxGiB) * 1024 * 1024 * 1024
}

// CacheMaxAge returns the age after which local entries are evicted; zero disables age eviction.
func (c *Config) CacheMaxAge() time.Duration {
	return time.Duration(c.Cache.MaxAgeDays) * 24 * time.Hour
}

// RemoteTTL returns the expiry applied to remote artifacts.
func (c *Config) RemoteTTL() time.Duration {
	return time.Duration(c.RemoteCache.TTLHours) * time.Hour
}

// RemoteTimeout bounds a single remote cache call.
func (c *Config) RemoteTimeout() time.Duration {
	return time.Duration(c.RemoteCache.TimeoutSeconds) * time.Second
}

// ConnectTimeout bounds a single daemon dial attempt.
func (c *Config) ConnectTimeout() time.Duration {
	return time.Duration(c.Daemon.ConnectTimeoutMS) * time.Millisecond
}

// RPCTimeout bounds a single daemon RPC.
func (c *Config) RPCTimeout() time.Duration {
	return time.Duration(c.Daemon.RPCTimeoutSeconds) * time.Second
}

// IdleTimeout is the inactivity window after which the daemon exits; zero disables it.
func (c *Config) IdleTimeout() time.Duration {
	return time.Duration(c.Daemon.IdleTimeoutMinutes) * time.Minute
}

// WatchDebounce is the window used to batch file watch events.
func (c *Config) WatchDebounce() time.Duration {
	return time.Duration(c.Daemon.WatchDebounceMS) * time.Millisecond
}

func expandPath(pathValue string) (string, error) {
	if pathValue == "" {
		return pathValue, nil
	}
	if strings.HasPrefix(pathValue, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		if pathValue == "~" {
			pathValue = home
		} else if len(pathValue) > 1 && (pathValue[1] == '/' || pathValue[1] == '\\') {
			pathValue = filepath.Join(home, pathValue[2:])
		}
	}
	cleaned := filepath.Clean(pathValue)
	absolute, err := filepath.Abs(cleaned)
	if err != nil {
		return "", fmt.Errorf("resolve absolute path for %q: %w", cleaned, err)
	}
	return absolute, nil
}

// ExpandPath exposes the repository path expansion rules for other packages.
func ExpandPath(pathValue string) (string, error) {
	return expandPath(pathValue)
}

func defaultCacheDir() string {
	if base, ok := os.LookupEnv("XDG_CACHE_HOME"); ok && strings.TrimSpace(base) != "" {
		return filepath.Join(base, "kiln", "artifacts")
	}
	return "~/.cache/kiln/artifacts"
}

func defaultRuntimeDir() string {
	if base, ok := os.LookupEnv("XDG_RUNTIME_DIR"); ok && strings.TrimSpace(base) != "" {
		return filepath.Join(base, "kiln")
	}
	return filepath.Join(os.TempDir(), "kiln")
}

// CreateSample writes a sample configuration file to the specified location.
func CreateSample(path string) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config directory: %w", err)
		}
	}
	if err := os.WriteFile(path, []byte(sampleConfig), 0o644); err != nil {
		return fmt.Errorf("write sample config: %w", err)
	}
	return nil
}

// Encode renders the effective configuration as TOML.
func (c *Config) Encode() (string, error) {
	var buf strings.Builder
	enc := toml.NewEncoder(&buf)
	enc.SetIndentTables(true)
	if err := enc.Encode(c); err != nil {
		return "", fmt.Errorf("encode config: %w", err)
	}
	return buf.String(), nil
}
