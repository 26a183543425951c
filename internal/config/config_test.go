package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/pelletier/go-toml/v2"

	"kiln/internal/config"
)

func isolateEnv(t *testing.T) string {
	t.Helper()
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv("XDG_CACHE_HOME", "")
	t.Setenv("XDG_RUNTIME_DIR", "")
	t.Setenv("KILN_CONFIG", "")
	t.Setenv("KILN_CACHE_DIR", "")
	t.Setenv("KILN_CONCURRENCY", "")
	t.Setenv("KILN_REMOTE_CACHE_ADDR", "")
	t.Setenv("KILN_NO_DAEMON", "")
	return home
}

func TestLoadDefaultConfigExpandsPaths(t *testing.T) {
	home := isolateEnv(t)

	cfg, resolved, exists, err := config.Load("")
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if exists {
		t.Fatal("expected config file to be absent in temp HOME")
	}
	if resolved != filepath.Join(home, ".config", "kiln", "config.toml") {
		t.Fatalf("unexpected resolved path %q", resolved)
	}
	if cfg.Paths.CacheDir != filepath.Join(home, ".cache", "kiln", "artifacts") {
		t.Fatalf("unexpected cache dir: %q", cfg.Paths.CacheDir)
	}
	if cfg.Paths.LogDir != filepath.Join(home, ".local", "share", "kiln", "logs") {
		t.Fatalf("unexpected log dir: %q", cfg.Paths.LogDir)
	}
	if !filepath.IsAbs(cfg.Paths.RuntimeDir) {
		t.Fatalf("expected absolute runtime dir, got %q", cfg.Paths.RuntimeDir)
	}
	if cfg.Run.FailurePolicy != config.FailurePolicyFailFast {
		t.Fatalf("unexpected failure policy %q", cfg.Run.FailurePolicy)
	}
	if cfg.Run.OutputMode != config.OutputModeGrouped {
		t.Fatalf("unexpected output mode %q", cfg.Run.OutputMode)
	}
	if cfg.Daemon.SpawnAttempts != 2 {
		t.Fatalf("expected two spawn attempts by default, got %d", cfg.Daemon.SpawnAttempts)
	}
	if cfg.RemoteCache.Enabled {
		t.Fatal("expected remote cache disabled by default")
	}
	if cfg.GracePeriod() != 10*time.Second {
		t.Fatalf("unexpected grace period %s", cfg.GracePeriod())
	}
}

func TestLoadFromFileOverridesDefaults(t *testing.T) {
	isolateEnv(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	content := `
[paths]
cache_dir = "` + filepath.Join(dir, "cache") + `"

[run]
concurrency = 3
failure_policy = "continue"
output_mode = "stream"

[remote_cache]
enabled = true
addr = "redis.internal:6379"

[daemon]
enabled = false
spawn_attempts = 4
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, resolved, exists, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if !exists || resolved != path {
		t.Fatalf("expected config %q to be loaded, got %q exists=%v", path, resolved, exists)
	}
	if cfg.Paths.CacheDir != filepath.Join(dir, "cache") {
		t.Fatalf("unexpected cache dir %q", cfg.Paths.CacheDir)
	}
	if cfg.Run.Concurrency != 3 || cfg.Run.FailurePolicy != config.FailurePolicyContinue || cfg.Run.OutputMode != config.OutputModeStream {
		t.Fatalf("run section not applied: %+v", cfg.Run)
	}
	if !cfg.RemoteCache.Enabled || cfg.RemoteCache.Addr != "redis.internal:6379" {
		t.Fatalf("remote cache section not applied: %+v", cfg.RemoteCache)
	}
	if cfg.RemoteCache.KeyPrefix == "" {
		t.Fatal("expected default key prefix to be retained")
	}
	if cfg.Daemon.Enabled || cfg.Daemon.SpawnAttempts != 4 {
		t.Fatalf("daemon section not applied: %+v", cfg.Daemon)
	}
}

func TestEnvironmentFallbacks(t *testing.T) {
	isolateEnv(t)
	cacheDir := filepath.Join(t.TempDir(), "env-cache")
	t.Setenv("KILN_CACHE_DIR", cacheDir)
	t.Setenv("KILN_CONCURRENCY", "7")
	t.Setenv("KILN_REMOTE_CACHE_ADDR", "127.0.0.1:6390")
	t.Setenv("KILN_NO_DAEMON", "1")

	cfg, _, _, err := config.Load("")
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.Paths.CacheDir != cacheDir {
		t.Fatalf("expected cache dir from env, got %q", cfg.Paths.CacheDir)
	}
	if cfg.Run.Concurrency != 7 {
		t.Fatalf("expected concurrency from env, got %d", cfg.Run.Concurrency)
	}
	if !cfg.RemoteCache.Enabled || cfg.RemoteCache.Addr != "127.0.0.1:6390" {
		t.Fatalf("expected remote cache from env, got %+v", cfg.RemoteCache)
	}
	if cfg.Daemon.Enabled {
		t.Fatal("expected KILN_NO_DAEMON to disable the daemon")
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*config.Config)
		want   string
	}{
		{"policy", func(c *config.Config) { c.Run.FailurePolicy = "explode" }, "run.failure_policy"},
		{"output", func(c *config.Config) { c.Run.OutputMode = "tee" }, "run.output_mode"},
		{"concurrency", func(c *config.Config) { c.Run.Concurrency = -1 }, "run.concurrency"},
		{"remote addr", func(c *config.Config) { c.RemoteCache.Enabled = true; c.RemoteCache.Addr = "" }, "remote_cache.addr"},
		{"spawn attempts", func(c *config.Config) { c.Daemon.SpawnAttempts = 99 }, "daemon.spawn_attempts"},
		{"log format", func(c *config.Config) { c.Logging.Format = "xml" }, "logging.format"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.Default()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected error mentioning %q, got %v", tt.want, err)
			}
		})
	}
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	isolateEnv(t)
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte("[run]\nparallelism = 4\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, _, _, err := config.Load(path); err == nil {
		t.Fatal("expected unknown key to be rejected")
	}
}

func TestSampleConfigParses(t *testing.T) {
	isolateEnv(t)
	path := filepath.Join(t.TempDir(), "nested", "config.toml")
	if err := config.CreateSample(path); err != nil {
		t.Fatalf("CreateSample: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read sample: %v", err)
	}
	var decoded config.Config
	if err := toml.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("sample config is not valid TOML: %v", err)
	}
	if _, _, _, err := config.Load(path); err != nil {
		t.Fatalf("sample config failed to load: %v", err)
	}
}

func TestEnsureDirectories(t *testing.T) {
	base := t.TempDir()
	cfg := config.Default()
	cfg.Paths.CacheDir = filepath.Join(base, "cache")
	cfg.Paths.LogDir = filepath.Join(base, "logs")
	cfg.Paths.RuntimeDir = filepath.Join(base, "run")
	if err := cfg.EnsureDirectories(); err != nil {
		t.Fatalf("EnsureDirectories: %v", err)
	}
	for _, dir := range []string{cfg.Paths.CacheDir, cfg.Paths.LogDir, cfg.Paths.RuntimeDir} {
		if info, err := os.Stat(dir); err != nil || !info.IsDir() {
			t.Fatalf("expected directory %s to exist", dir)
		}
	}
}
