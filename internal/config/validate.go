package config

import (
	"errors"
	"fmt"
)

// Validate ensures the configuration is usable.
func (c *Config) Validate() error {
	if err := c.validateRun(); err != nil {
		return err
	}
	if err := c.validateCache(); err != nil {
		return err
	}
	if err := c.validateRemoteCache(); err != nil {
		return err
	}
	if err := c.validateDaemon(); err != nil {
		return err
	}
	if err := c.validateLogging(); err != nil {
		return err
	}
	return nil
}

func (c *Config) validateRun() error {
	if c.Run.Concurrency < 0 {
		return errors.New("run.concurrency must be zero (auto) or positive")
	}
	switch c.Run.FailurePolicy {
	case FailurePolicyFailFast, FailurePolicyContinue:
	default:
		return fmt.Errorf("run.failure_policy: unsupported value %q (want %s or %s)", c.Run.FailurePolicy, FailurePolicyFailFast, FailurePolicyContinue)
	}
	switch c.Run.OutputMode {
	case OutputModeGrouped, OutputModeStream:
	default:
		return fmt.Errorf("run.output_mode: unsupported value %q (want %s or %s)", c.Run.OutputMode, OutputModeGrouped, OutputModeStream)
	}
	if c.Run.GracePeriodSeconds > maximumGracePeriodSeconds {
		return fmt.Errorf("run.grace_period_seconds must not exceed %d", maximumGracePeriodSeconds)
	}
	return nil
}

func (c *Config) validateCache() error {
	if c.Paths.CacheDir == "" {
		return errors.New("paths.cache_dir must be set")
	}
	if c.Cache.MaxGiB > maximumLocalCacheSizeGiB {
		return fmt.Errorf("cache.max_gib must not exceed %d", maximumLocalCacheSizeGiB)
	}
	if c.Cache.MaxAgeDays > maximumCacheRetentionDaySpan {
		return fmt.Errorf("cache.max_age_days must not exceed %d", maximumCacheRetentionDaySpan)
	}
	return nil
}

func (c *Config) validateRemoteCache() error {
	if !c.RemoteCache.Enabled {
		return nil
	}
	if c.RemoteCache.Addr == "" {
		return errors.New("remote_cache.addr must be set when remote_cache.enabled is true")
	}
	if c.RemoteCache.DB < 0 {
		return errors.New("remote_cache.db must not be negative")
	}
	if c.RemoteCache.TimeoutSeconds > maximumRemoteTimeoutSeconds {
		return fmt.Errorf("remote_cache.timeout_seconds must not exceed %d", maximumRemoteTimeoutSeconds)
	}
	return nil
}

func (c *Config) validateDaemon() error {
	if c.Daemon.SpawnAttempts > maxSpawnAttempts {
		return fmt.Errorf("daemon.spawn_attempts must not exceed %d", maxSpawnAttempts)
	}
	if c.Daemon.ConnectTimeoutMS < minimumConnectTimeoutMS {
		return fmt.Errorf("daemon.connect_timeout_ms must be at least %d", minimumConnectTimeoutMS)
	}
	if c.Daemon.RPCTimeoutSeconds > maximumRPCTimeoutSeconds {
		return fmt.Errorf("daemon.rpc_timeout_seconds must not exceed %d", maximumRPCTimeoutSeconds)
	}
	if c.Daemon.IdleTimeoutMinutes > maximumIdleTimeoutMinutes {
		return fmt.Errorf("daemon.idle_timeout_minutes must not exceed %d", maximumIdleTimeoutMinutes)
	}
	if c.Daemon.HashShards > maxHashShards {
		return fmt.Errorf("daemon.hash_shards must not exceed %d", maxHashShards)
	}
	if c.Daemon.WatchDebounceMS > maximumWatchDebounceMS {
		return fmt.Errorf("daemon.watch_debounce_ms must not exceed %d", maximumWatchDebounceMS)
	}
	if c.Paths.RuntimeDir == "" {
		return errors.New("paths.runtime_dir must be set")
	}
	return nil
}

func (c *Config) validateLogging() error {
	switch c.Logging.Format {
	case "console", "json":
	default:
		return fmt.Errorf("logging.format: unsupported value %q", c.Logging.Format)
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level: unsupported value %q", c.Logging.Level)
	}
	return nil
}
