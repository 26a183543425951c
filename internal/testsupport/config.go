package testsupport

import (
	"path/filepath"
	"testing"

	"kiln/internal/config"
)

// ConfigOption allows callers to customize the generated test configuration.
type ConfigOption func(*configBuilder)

type configBuilder struct {
	t       testing.TB
	baseDir string
	cfg     *config.Config
}

// NewConfig produces a config seeded with unique temp directories per test.
// The daemon is disabled so runs stay cold unless a test opts in.
func NewConfig(t testing.TB, opts ...ConfigOption) *config.Config {
	t.Helper()

	base := t.TempDir()
	cfgVal := config.Default()
	cfgVal.Paths.CacheDir = filepath.Join(base, "cache")
	cfgVal.Paths.LogDir = filepath.Join(base, "logs")
	cfgVal.Paths.RuntimeDir = filepath.Join(base, "run")
	cfgVal.Daemon.Enabled = false
	cfgVal.Run.Concurrency = 2
	cfgVal.Run.GracePeriodSeconds = 1

	builder := &configBuilder{
		t:       t,
		baseDir: base,
		cfg:     &cfgVal,
	}

	for _, opt := range opts {
		opt(builder)
	}

	return builder.cfg
}

// WithDaemon enables the daemon connector on the test config.
func WithDaemon() ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Daemon.Enabled = true
	}
}

// WithRemoteCache points the remote tier at addr.
func WithRemoteCache(addr string) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.RemoteCache.Enabled = true
		b.cfg.RemoteCache.Addr = addr
	}
}

// WithConcurrency overrides the worker pool size.
func WithConcurrency(n int) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Run.Concurrency = n
	}
}

// BaseDir returns the root temp directory backing the generated config.
func BaseDir(cfg *config.Config) string {
	return filepath.Dir(cfg.Paths.CacheDir)
}
