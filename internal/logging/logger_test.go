package logging_test

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"kiln/internal/config"
	"kiln/internal/logging"
)

func TestNewFromConfigWritesFile(t *testing.T) {
	cfg := config.Default()
	logPath := filepath.Join(t.TempDir(), "nested", "kiln.log")

	logger, err := logging.NewFromConfig(&cfg, logPath)
	if err != nil {
		t.Fatalf("NewFromConfig returned error: %v", err)
	}
	logger.Info("daemon ready", logging.String("socket", "/tmp/kiln.sock"))

	content, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if !strings.Contains(string(content), "daemon ready") {
		t.Fatalf("expected message in log file, got %q", content)
	}
	if !strings.Contains(string(content), "socket: /tmp/kiln.sock") {
		t.Fatalf("expected field in log file, got %q", content)
	}
}

func TestConsoleLoggerOmitsCallerForInfo(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "console-info.log")
	logger, err := logging.New(logging.Options{Format: "console", Level: "info", OutputPaths: []string{logPath}})
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}

	logger.Info("message without caller")

	content, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if strings.Contains(string(content), ".go:") {
		t.Fatalf("expected no caller information in info logs, got %q", content)
	}
}

func TestConsoleLoggerIncludesCallerForDebug(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "console-debug.log")
	logger, err := logging.New(logging.Options{Format: "console", Level: "debug", OutputPaths: []string{logPath}})
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}

	logger.Info("message with caller")

	content, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if !strings.Contains(string(content), ".go:") {
		t.Fatalf("expected caller information in debug logs, got %q", content)
	}
}

func TestConsoleHeaderCarriesComponentAndTask(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "header.log")
	logger, err := logging.New(logging.Options{Format: "console", Level: "info", OutputPaths: []string{logPath}})
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}

	logger = logging.NewComponentLogger(logger, "run")
	logger.Info("task finished", logging.String(logging.FieldTaskID, "web#build"), logging.Int("exit_code", 0))

	content, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	line := strings.SplitN(string(content), "\n", 2)[0]
	if !strings.Contains(line, "INFO [run] web#build – task finished") {
		t.Fatalf("unexpected header line %q", line)
	}
	if !strings.Contains(string(content), "exit_code: 0") {
		t.Fatalf("expected exit_code field, got %q", content)
	}
}

func TestConsoleShortensCacheKeysAndQuotesBlanks(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "console-hash.log")
	logger, err := logging.New(logging.Options{Format: "console", Level: "info", OutputPaths: []string{logPath}})
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}

	key := strings.Repeat("ab", 32)
	logger.Info("stored cache entry",
		logging.String(logging.FieldHash, key),
		logging.String("note", ""),
		logging.Strings("outputs", []string{"dist/a", "dist/b"}),
	)

	content, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	text := string(content)
	if strings.Contains(text, key) || !strings.Contains(text, "hash: "+key[:12]+"\n") {
		t.Fatalf("expected shortened cache key, got %q", text)
	}
	if !strings.Contains(text, `note: ""`) {
		t.Fatalf("expected empty value to be quoted, got %q", text)
	}
	if !strings.Contains(text, "outputs: [dist/a, dist/b]") {
		t.Fatalf("expected list rendering, got %q", text)
	}
}

func TestNewJSONLogger(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "json.log")
	logger, err := logging.New(logging.Options{Format: "json", Level: "info", OutputPaths: []string{logPath}})
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	logger.Info("json message", logging.String("k", "v"))

	data, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	var record map[string]any
	if err := json.Unmarshal([]byte(strings.TrimSpace(string(data))), &record); err != nil {
		t.Fatalf("decode json log: %v", err)
	}
	if record["msg"] != "json message" || record["level"] != "info" || record["k"] != "v" {
		t.Fatalf("unexpected json record %v", record)
	}
	if _, ok := record["ts"]; !ok {
		t.Fatalf("expected ts key, got %v", record)
	}
}

func TestNewRejectsUnknownFormat(t *testing.T) {
	if _, err := logging.New(logging.Options{Format: "xml"}); err == nil {
		t.Fatal("expected error for unknown format")
	}
}

func TestWithContextAddsFields(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "ctx.log")
	base, err := logging.New(logging.Options{Format: "json", Level: "info", OutputPaths: []string{logPath}})
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}

	ctx := logging.WithRunID(context.Background(), "run-123")
	ctx = logging.WithTaskID(ctx, "utils#test")
	logging.WithContext(ctx, base).Info("contextual log")

	data, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	var record map[string]any
	if err := json.Unmarshal([]byte(strings.TrimSpace(string(data))), &record); err != nil {
		t.Fatalf("decode json log: %v", err)
	}
	if record[logging.FieldRunID] != "run-123" {
		t.Fatalf("expected run id field, got %v", record)
	}
	if record[logging.FieldTaskID] != "utils#test" {
		t.Fatalf("expected task id field, got %v", record)
	}
}

func TestWarnWithContextInjectsDefaults(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "warn.log")
	logger, err := logging.New(logging.Options{Format: "json", Level: "info", OutputPaths: []string{logPath}})
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	logging.WarnWithContext(logger, "remote cache write failed", "remote_cache_put_failed", logging.Error(errors.New("boom")))

	data, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	var record map[string]any
	if err := json.Unmarshal([]byte(strings.TrimSpace(string(data))), &record); err != nil {
		t.Fatalf("decode json log: %v", err)
	}
	for _, key := range []string{logging.FieldEventType, logging.FieldErrorHint, logging.FieldImpact} {
		if _, ok := record[key]; !ok {
			t.Fatalf("expected %s to be injected, got %v", key, record)
		}
	}
	if record[logging.FieldEventType] != "remote_cache_put_failed" {
		t.Fatalf("unexpected event type %v", record[logging.FieldEventType])
	}
}
