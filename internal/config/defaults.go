package config

const (
	defaultConfigPath            = "~/.config/kiln/config.toml"
	defaultLogDir                = "~/.local/share/kiln/logs"
	defaultFailurePolicy         = FailurePolicyFailFast
	defaultOutputMode            = OutputModeGrouped
	defaultGracePeriodSeconds    = 10
	defaultCacheMaxGiB           = 10
	defaultCacheMaxAgeDays       = 14
	defaultRemoteKeyPrefix       = "kiln:artifact:"
	defaultRemoteTTLHours        = 24 * 7
	defaultRemoteTimeoutSeconds  = 10
	defaultSpawnAttempts         = 2
	defaultConnectTimeoutMS      = 500
	defaultRPCTimeoutSeconds     = 5
	defaultIdleTimeoutMinutes    = 240
	defaultHashShards            = 8
	defaultWatchDebounceMS       = 75
	defaultLogFormat             = "console"
	defaultLogLevel              = "info"
	defaultLogMaxSizeMB          = 20
	defaultLogMaxBackups         = 5
	defaultLogRetentionDays      = 30
	maxHashShards                = 256
	maxSpawnAttempts             = 10
	minimumConnectTimeoutMS      = 50
	maximumGracePeriodSeconds    = 600
	maximumRemoteTimeoutSeconds  = 300
	maximumRPCTimeoutSeconds     = 300
	maximumWatchDebounceMS       = 10_000
	maximumIdleTimeoutMinutes    = 7 * 24 * 60
	maximumLocalCacheSizeGiB     = 4096
	maximumCacheRetentionDaySpan = 3650
)

// Failure policies accepted by run.failure_policy.
const (
	FailurePolicyFailFast = "fail_fast"
	FailurePolicyContinue = "continue"
)

// Output modes accepted by run.output_mode.
const (
	OutputModeGrouped = "grouped"
	OutputModeStream  = "stream"
)

// Default returns a Config populated with repository defaults.
func Default() Config {
	return Config{
		Paths: Paths{
			CacheDir:   defaultCacheDir(),
			LogDir:     defaultLogDir,
			RuntimeDir: defaultRuntimeDir(),
		},
		Run: Run{
			FailurePolicy:      defaultFailurePolicy,
			OutputMode:         defaultOutputMode,
			GracePeriodSeconds: defaultGracePeriodSeconds,
		},
		Cache: Cache{
			Enabled:    true,
			MaxGiB:     defaultCacheMaxGiB,
			MaxAgeDays: defaultCacheMaxAgeDays,
		},
		RemoteCache: RemoteCache{
			KeyPrefix:      defaultRemoteKeyPrefix,
			TTLHours:       defaultRemoteTTLHours,
			TimeoutSeconds: defaultRemoteTimeoutSeconds,
		},
		Daemon: Daemon{
			Enabled:            true,
			SpawnAttempts:      defaultSpawnAttempts,
			ConnectTimeoutMS:   defaultConnectTimeoutMS,
			RPCTimeoutSeconds:  defaultRPCTimeoutSeconds,
			IdleTimeoutMinutes: defaultIdleTimeoutMinutes,
			HashShards:         defaultHashShards,
			WatchDebounceMS:    defaultWatchDebounceMS,
		},
		Logging: Logging{
			Format:        defaultLogFormat,
			Level:         defaultLogLevel,
			MaxSizeMB:     defaultLogMaxSizeMB,
			MaxBackups:    defaultLogMaxBackups,
			RetentionDays: defaultLogRetentionDays,
		},
		Telemetry: Telemetry{
			Enabled: true,
		},
	}
}
