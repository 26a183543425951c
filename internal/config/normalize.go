package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

func (c *Config) normalize() error {
	if err := c.normalizePaths(); err != nil {
		return err
	}
	if err := c.normalizeRun(); err != nil {
		return err
	}
	c.normalizeCache()
	c.normalizeRemoteCache()
	c.normalizeDaemon()
	c.normalizeLogging()
	return nil
}

func (c *Config) normalizePaths() error {
	if value, ok := os.LookupEnv("KILN_CACHE_DIR"); ok && strings.TrimSpace(value) != "" {
		c.Paths.CacheDir = strings.TrimSpace(value)
	}
	if strings.TrimSpace(c.Paths.CacheDir) == "" {
		c.Paths.CacheDir = defaultCacheDir()
	}
	if strings.TrimSpace(c.Paths.LogDir) == "" {
		c.Paths.LogDir = defaultLogDir
	}
	if strings.TrimSpace(c.Paths.RuntimeDir) == "" {
		c.Paths.RuntimeDir = defaultRuntimeDir()
	}

	var err error
	if c.Paths.CacheDir, err = expandPath(c.Paths.CacheDir); err != nil {
		return fmt.Errorf("paths.cache_dir: %w", err)
	}
	if c.Paths.LogDir, err = expandPath(c.Paths.LogDir); err != nil {
		return fmt.Errorf("paths.log_dir: %w", err)
	}
	if c.Paths.RuntimeDir, err = expandPath(c.Paths.RuntimeDir); err != nil {
		return fmt.Errorf("paths.runtime_dir: %w", err)
	}
	return nil
}

func (c *Config) normalizeRun() error {
	if value, ok := os.LookupEnv("KILN_CONCURRENCY"); ok && strings.TrimSpace(value) != "" {
		parsed, err := strconv.Atoi(strings.TrimSpace(value))
		if err != nil {
			return fmt.Errorf("KILN_CONCURRENCY: %w", err)
		}
		c.Run.Concurrency = parsed
	}
	c.Run.FailurePolicy = strings.ToLower(strings.TrimSpace(c.Run.FailurePolicy))
	c.Run.FailurePolicy = strings.ReplaceAll(c.Run.FailurePolicy, "-", "_")
	if c.Run.FailurePolicy == "" {
		c.Run.FailurePolicy = defaultFailurePolicy
	}
	c.Run.OutputMode = strings.ToLower(strings.TrimSpace(c.Run.OutputMode))
	if c.Run.OutputMode == "" {
		c.Run.OutputMode = defaultOutputMode
	}
	if c.Run.GracePeriodSeconds <= 0 {
		c.Run.GracePeriodSeconds = defaultGracePeriodSeconds
	}
	return nil
}

func (c *Config) normalizeCache() {
	if c.Cache.MaxGiB <= 0 {
		c.Cache.MaxGiB = defaultCacheMaxGiB
	}
	if c.Cache.MaxAgeDays < 0 {
		c.Cache.MaxAgeDays = 0
	}
}

func (c *Config) normalizeRemoteCache() {
	if value, ok := os.LookupEnv("KILN_REMOTE_CACHE_ADDR"); ok && strings.TrimSpace(value) != "" {
		c.RemoteCache.Addr = strings.TrimSpace(value)
		c.RemoteCache.Enabled = true
	}
	if c.RemoteCache.Password == "" {
		if value, ok := os.LookupEnv("KILN_REMOTE_CACHE_PASSWORD"); ok {
			c.RemoteCache.Password = value
		}
	}
	c.RemoteCache.Addr = strings.TrimSpace(c.RemoteCache.Addr)
	if strings.TrimSpace(c.RemoteCache.KeyPrefix) == "" {
		c.RemoteCache.KeyPrefix = defaultRemoteKeyPrefix
	}
	if c.RemoteCache.TTLHours <= 0 {
		c.RemoteCache.TTLHours = defaultRemoteTTLHours
	}
	if c.RemoteCache.TimeoutSeconds <= 0 {
		c.RemoteCache.TimeoutSeconds = defaultRemoteTimeoutSeconds
	}
}

func (c *Config) normalizeDaemon() {
	if value, ok := os.LookupEnv("KILN_NO_DAEMON"); ok && isTruthy(value) {
		c.Daemon.Enabled = false
	}
	if c.Daemon.SpawnAttempts <= 0 {
		c.Daemon.SpawnAttempts = defaultSpawnAttempts
	}
	if c.Daemon.ConnectTimeoutMS <= 0 {
		c.Daemon.ConnectTimeoutMS = defaultConnectTimeoutMS
	}
	if c.Daemon.RPCTimeoutSeconds <= 0 {
		c.Daemon.RPCTimeoutSeconds = defaultRPCTimeoutSeconds
	}
	if c.Daemon.IdleTimeoutMinutes < 0 {
		c.Daemon.IdleTimeoutMinutes = 0
	}
	if c.Daemon.HashShards <= 0 {
		c.Daemon.HashShards = defaultHashShards
	}
	if c.Daemon.WatchDebounceMS <= 0 {
		c.Daemon.WatchDebounceMS = defaultWatchDebounceMS
	}
}

func (c *Config) normalizeLogging() {
	c.Logging.Format = strings.ToLower(strings.TrimSpace(c.Logging.Format))
	if c.Logging.Format == "" {
		c.Logging.Format = defaultLogFormat
	}
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	if c.Logging.Level == "" {
		c.Logging.Level = defaultLogLevel
	}
	if c.Logging.MaxSizeMB <= 0 {
		c.Logging.MaxSizeMB = defaultLogMaxSizeMB
	}
	if c.Logging.MaxBackups < 0 {
		c.Logging.MaxBackups = defaultLogMaxBackups
	}
	if c.Logging.RetentionDays < 0 {
		c.Logging.RetentionDays = defaultLogRetentionDays
	}
}

func isTruthy(value string) bool {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}
