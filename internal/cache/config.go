package cache

import (
	"log/slog"

	"kiln/internal/config"
)

// NewFromConfig builds the two-tier cache described by cfg.
func NewFromConfig(cfg *config.Config, logger *slog.Logger, opts ...MultiplexerOption) *Multiplexer {
	local := NewLocal(cfg.Paths.CacheDir, logger)
	if remote := RemoteFromConfig(cfg); remote != nil {
		opts = append([]MultiplexerOption{
			WithRemote(remote, cfg.RemoteCache.ReadOnly),
			WithRemoteTimeout(cfg.RemoteTimeout()),
		}, opts...)
	}
	return NewMultiplexer(local, logger, opts...)
}

// RemoteFromConfig returns the configured Redis tier, or nil when the remote
// cache is disabled.
func RemoteFromConfig(cfg *config.Config) *Redis {
	if !cfg.RemoteCache.Enabled || cfg.RemoteCache.Addr == "" {
		return nil
	}
	return NewRedis(RedisOptions{
		Addr:      cfg.RemoteCache.Addr,
		Password:  cfg.RemoteCache.Password,
		DB:        cfg.RemoteCache.DB,
		KeyPrefix: cfg.RemoteCache.KeyPrefix,
		TTL:       cfg.RemoteTTL(),
		Timeout:   cfg.RemoteTimeout(),
	})
}

// PolicyFromConfig returns the eviction bounds configured for the local tier.
func PolicyFromConfig(cfg *config.Config) Policy {
	return Policy{MaxBytes: cfg.CacheMaxBytes(), MaxAge: cfg.CacheMaxAge()}
}
